// Package render materializes a view into buffer lines and writes them back
// to the editor through a minimal line-edit surface.
package render

import (
	"strings"

	"github.com/canopyhq/canopy/pkg/types"
)

// Graph is the read surface the renderer needs. *store.Txn implements it.
// The renderer never writes to the store; its only output besides lines is
// the new last-sync snapshot.
type Graph interface {
	ContentLines(id types.NodeID) ([]string, error)
	Descendants(id types.NodeID, transposed, discardInvalid bool) (*types.OrderedSet, error)
	ShortIDFor(id types.NodeID) (types.ShortID, error)
}

// Options tunes rendering.
type Options struct {
	// NestLevelSpaces is the indent width per level.
	NestLevelSpaces int
	// LongIDs renders full node ids in line tags.
	LongIDs bool
	// FoldLevel, when positive, caps the depth of emitted sub-trees.
	FoldLevel int
}

func (o Options) withDefaults() Options {
	if o.NestLevelSpaces == 0 {
		o.NestLevelSpaces = 4
	}
	return o
}

type frame struct {
	id          types.NodeID
	context     types.Tree
	level       int
	prevOrdered bool
}

// Lines renders the view depth-first pre-order, bounded by the view's
// expansion tree (the graph may contain cycles; traversal never recurses
// into nodes outside the tree). It returns the buffer lines and the
// last-sync snapshot of everything rendered.
func Lines(g Graph, view *types.View, opts Options) ([]string, *types.LastSync, error) {
	opts = opts.withDefaults()
	lastSync := types.NewLastSync()
	var buffer []string

	stack := []frame{{
		id:      view.MainID,
		context: types.Tree{view.MainID: view.Tree},
		level:   -1,
	}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		content, err := g.ContentLines(f.id)
		if err != nil {
			if _, absent := err.(*types.KeyNotFoundError); absent {
				continue
			}
			return nil, nil, err
		}
		children, err := g.Descendants(f.id, view.Transposed, true)
		if err != nil {
			return nil, nil, err
		}

		if _, seen := lastSync.Nodes[f.id]; !seen {
			lastSync.Nodes[f.id] = types.NodeData{Content: content, Children: children.Set()}
		}
		lastSync.LineInfo[len(buffer)] = types.LineInfo{NodeID: f.id, Context: f.context}

		childContext, visible := f.context[f.id]
		expanded := children.Len() == 0 || (visible && childContext != nil)
		if opts.FoldLevel > 0 && f.level+1 >= opts.FoldLevel {
			expanded = children.Len() == 0
		}
		ordered := expanded && (children.Len() == 1 || f.prevOrdered) && f.level >= 0 && len(f.context) == 1
		level := f.level + 1
		if ordered && f.prevOrdered {
			level = f.level
		}

		if expanded {
			if len(childContext) == 0 {
				childContext = make(types.Tree, children.Len())
				for _, childID := range children.IDs() {
					childContext[childID] = nil
				}
			}
			ids := children.IDs()
			for i := len(ids) - 1; i >= 0; i-- {
				stack = append(stack, frame{id: ids[i], context: childContext, level: level, prevOrdered: ordered})
			}
		}

		lines, err := nodeLines(g, content, f.id, level, expanded, ordered, view.Transposed, opts)
		if err != nil {
			return nil, nil, err
		}
		buffer = append(buffer, lines...)
	}

	if len(buffer) == 0 {
		buffer = []string{""}
	}
	return buffer, lastSync, nil
}

// nodeLines emits one node occurrence: a header line with indentation,
// bullet, id tag and first content line, then indented continuation lines.
// The root (level 0) has no bullet; its tag leads the line.
func nodeLines(g Graph, content []string, id types.NodeID, level int, expanded, ordered, transposed bool, opts Options) ([]string, error) {
	tag, err := lineTag(g, id, transposed, opts)
	if err != nil {
		return nil, err
	}

	if level == 0 {
		out := make([]string, 0, len(content))
		out = append(out, tag+content[0])
		return append(out, content[1:]...), nil
	}

	offset := 2
	bullet := "-"
	switch {
	case ordered:
		offset = 3
		bullet = "1."
	case !expanded:
		bullet = "+"
	}
	spaceCount := opts.NestLevelSpaces*(level-1) + offset
	prefix := strings.Repeat(" ", spaceCount)

	out := make([]string, 0, len(content))
	out = append(out, prefix[:spaceCount-offset]+bullet+" "+tag+content[0])
	for _, line := range content[1:] {
		out = append(out, prefix+line)
	}
	return out, nil
}

// lineTag builds the `[](XID)  ` marker: case encodes unique vs
// multi-parent, letter encodes non-transposed vs transposed.
func lineTag(g Graph, id types.NodeID, transposed bool, opts Options) (string, error) {
	ancestors, err := g.Descendants(id, !transposed, true)
	if err != nil {
		return "", err
	}
	letter := "n"
	if transposed {
		letter = "t"
	}
	if ancestors.Len() > 1 {
		letter = strings.ToUpper(letter)
	}

	rendered := string(id)
	if !opts.LongIDs {
		shortID, err := g.ShortIDFor(id)
		if err != nil {
			return "", err
		}
		rendered = string(shortID)
	}
	return "[](" + letter + rendered + ")  ", nil
}
