package gitsync

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// childLineRe extracts the node id from a child link line's target.
var childLineRe = regexp.MustCompile(`([0-9a-f]{8}(?:-?[0-9a-f]{4}){4}[0-9a-f]{8})\.md\)$`)

// NodeFilePath is the on-disk location of a node's markdown file.
func (s *Syncer) NodeFilePath(id types.NodeID) string {
	return filepath.Join(s.dir, string(id)+".md")
}

// WriteNodeFile regenerates <NodeId>.md from the store:
//
//	content lines
//	backlink separator line, then an empty line
//	numbered child links
func (s *Syncer) WriteNodeFile(txn *store.Txn, id types.NodeID, repositoryEncrypted bool) error {
	content, err := txn.ContentLines(id)
	if err != nil {
		return err
	}
	if repositoryEncrypted {
		if content, err = s.db.EncryptLines(content); err != nil {
			return err
		}
	}
	children, err := txn.Descendants(id, false, true)
	if err != nil {
		return err
	}

	lines := append([]string{}, content...)
	lines = append(lines, fmt.Sprintf("<hr><ol start=0><li><a href='%s%s+md'>Backlinks</a></li></ol>)", s.cfg.ResolvedSearchURL(), id))
	lines = append(lines, "")

	childIDs := children.IDs()
	if s.cfg.SortSiblings {
		sort.Slice(childIDs, func(i, j int) bool { return childIDs[i] < childIDs[j] })
	}
	for i, childID := range childIDs {
		lines = append(lines, fmt.Sprintf("%d. [`%s`](%s.md)", i+1, childID, childID))
	}

	data := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(s.NodeFilePath(id), []byte(data), 0o644)
}

// ParseNodeFile reads a node file bottom-up: trailing non-empty lines are
// child links until the first empty line, the separator line above it is
// dropped, the rest is content.
func ParseNodeFile(db *store.DB, path string, repositoryEncrypted bool) ([]string, *types.OrderedSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")

	var childIDs []types.NodeID
	for len(lines) > 0 {
		line := lines[len(lines)-1]
		lines = lines[:len(lines)-1]
		if line == "" {
			if len(lines) > 0 {
				// Separator line above the empty line.
				lines = lines[:len(lines)-1]
			}
			break
		}
		m := childLineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, nil, &types.InvalidFileChildrenLineError{Line: line}
		}
		childIDs = append(childIDs, types.NodeID(m[1]))
	}

	if repositoryEncrypted {
		if lines, err = db.DecryptLines(lines); err != nil {
			return nil, nil, err
		}
	}
	if len(lines) == 0 {
		lines = []string{""}
	}

	children := types.NewOrderedSet()
	for i := len(childIDs) - 1; i >= 0; i-- {
		children.Add(childIDs[i])
	}
	return lines, children, nil
}

// FileNameNodeID extracts the node id from a file name, or fails when the
// name is not a node file.
func FileNameNodeID(name string) (types.NodeID, error) {
	id := types.NodeID(strings.TrimSuffix(name, ".md"))
	if !strings.HasSuffix(name, ".md") || !id.Valid() {
		return "", fmt.Errorf("not a node file: %s", name)
	}
	return id, nil
}
