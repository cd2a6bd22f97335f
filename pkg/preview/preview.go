// Package preview renders a node summary pane (content, children, parents)
// for pickers, and serves it over the out-of-process RPC listener.
package preview

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// DefaultDepth is the sub-tree depth rendered when the caller does not ask
// for one.
const DefaultDepth = 3

// Size reads the preview pane dimensions from the picker environment
// (FZF_PREVIEW_COLUMNS, FZF_PREVIEW_LINES), with fallbacks.
func Size() (width, height int) {
	width, height = 10, 20
	if v, err := strconv.Atoi(os.Getenv("FZF_PREVIEW_COLUMNS")); err == nil {
		width = v
	}
	if v, err := strconv.Atoi(os.Getenv("FZF_PREVIEW_LINES")); err == nil {
		height = v
	}
	return width - 1, height - 1
}

// Node renders the preview: the node's content padded to a quarter of the
// height, its children pane to half, and its parents pane to the rest.
func Node(db *store.DB, id types.NodeID, width, height, depth int) ([]string, error) {
	minContentHeight := height / 4
	minChildrenHeight := height / 2
	minParentsHeight := height - minChildrenHeight - minContentHeight

	var out []string
	err := db.Update(func(txn *store.Txn) error {
		content, err := txn.ContentLines(id)
		if err != nil {
			var absent *types.KeyNotFoundError
			if errors.As(err, &absent) {
				return errors.New("requested node id does not exist in this database")
			}
			return err
		}
		out = append(out, padLines(content, width, minContentHeight)...)

		for _, pane := range []struct {
			transposed bool
			minHeight  int
		}{
			{false, minChildrenHeight},
			{true, minParentsHeight},
		} {
			lines, err := descendantLines(txn, id, pane.transposed, width, depth-1)
			if err != nil {
				return err
			}
			out = append(out, padLines(lines, width, pane.minHeight)...)
		}
		return nil
	})
	return out, err
}

// descendantLines walks the node's descendants down to maxLevel, one glyph
// bullet per node, marking multi-ancestor nodes and depth-capped subtrees.
func descendantLines(txn *store.Txn, id types.NodeID, transposed bool, separatorWidth, maxLevel int) ([]string, error) {
	var out []string

	descendants, err := txn.Descendants(id, transposed, true)
	if err != nil {
		return nil, err
	}
	if descendants.Len() > 0 {
		rule := "─"
		if transposed {
			rule = "━"
		}
		out = append(out, strings.Repeat(rule, separatorWidth))
	}

	type frame struct {
		ids   []types.NodeID
		level int
	}
	stack := []frame{{ids: descendants.IDs(), level: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, descID := range f.ids {
			indent := strings.Repeat(" ", 4*f.level)
			subDescendants, err := txn.Descendants(descID, transposed, true)
			if err != nil {
				return nil, err
			}
			ancestors, err := txn.Descendants(descID, !transposed, false)
			if err != nil {
				return nil, err
			}
			content, err := txn.ContentLines(descID)
			if err != nil {
				return nil, err
			}

			bullet := "•"
			capped := f.level == maxLevel && subDescendants.Len() > 0
			switch {
			case transposed && capped:
				bullet = "▶"
			case transposed:
				bullet = "●"
			case capped:
				bullet = "‣"
			}
			ancestorMark := " "
			if ancestors.Len() > 1 {
				ancestorMark = "·"
			}

			out = append(out, indent+bullet+ancestorMark+content[0])
			for _, line := range content[1:] {
				out = append(out, indent+"  "+line)
			}

			if f.level < maxLevel {
				stack = append(stack, frame{ids: subDescendants.IDs(), level: f.level + 1})
			}
		}
	}
	return out, nil
}

// padLines extends lines with blanks until their wrapped height reaches
// minHeight.
func padLines(lines []string, width, minHeight int) []string {
	if width < 1 {
		width = 1
	}
	wrapped := 0
	for _, line := range lines {
		wrapped += (len(line) + width - 1) / width
		if len(line) == 0 {
			wrapped++
		}
	}
	for wrapped < minHeight {
		lines = append(lines, "")
		wrapped++
	}
	return lines
}
