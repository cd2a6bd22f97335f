// Package search matches keyword prefixes against per-node bloom filters.
// A filter is ~100 insertions at 10% false positives, so matches are
// candidates: the picker shows the content and the user confirms.
package search

import (
	"strings"

	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// LineDelimiter separates the node id from its content in picker input
// lines.
const LineDelimiter = "\x1f"

// Query normalizes a query string into the prefixes the filters index.
func Query(query string) []string {
	prefixes := store.NormalizedSearchPrefixes(query)
	out := make([]string, 0, len(prefixes))
	for prefix := range prefixes {
		out = append(out, prefix)
	}
	return out
}

// MatchingNodes returns a picker line per candidate node. An empty keyword
// list lists every node.
func MatchingNodes(db *store.DB, keywords []string) ([]string, error) {
	var out []string
	err := db.Update(func(txn *store.Txn) error {
		ids, err := txn.NodeIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if len(keywords) > 0 {
				filter, err := txn.GetSetBloomFilter(id)
				if err != nil {
					return err
				}
				all := true
				for _, keyword := range keywords {
					if !filter.TestString(keyword) {
						all = false
						break
					}
				}
				if !all {
					continue
				}
			}
			content, err := txn.ContentLines(id)
			if err != nil {
				return err
			}
			out = append(out, InputLine(id, content))
		}
		return nil
	})
	return out, err
}

// InputLine formats one picker line.
func InputLine(id types.NodeID, content []string) string {
	return string(id) + LineDelimiter + strings.Join(content, " ")
}
