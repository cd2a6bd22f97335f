// Package merge is the conflict primitive shared by all three sync paths:
// buffer to store, directory to store, and realtime to store. Conflicts are
// never errors; they are always resolved here.
package merge

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/canopyhq/canopy/pkg/types"
)

// Content merges a new and an old content line list. Equal inputs return
// the new list unchanged. Otherwise both lists are split at the conflict
// marker into segments and the segments are collected into a sorted
// deduplicated sequence, so duplicate conflict arms collapse and repeated
// merges cannot oscillate. The result joins the segments with the marker
// between them.
//
// The operation is symmetric and idempotent: Content(a, Content(a, b)) ==
// Content(a, b) == Content(b, a).
func Content(newLines, oldLines []string, marker string) []string {
	if linesEqual(newLines, oldLines) {
		return newLines
	}

	var segments [][]string
	for _, seg := range append(splitAtMarker(oldLines, marker), splitAtMarker(newLines, marker)...) {
		// Sort order includes the trailing marker each arm carries when
		// joined, keeping the order stable under re-splitting.
		segments = insertSegment(segments, append(seg[:len(seg):len(seg)], marker))
	}

	merged := make([]string, 0, len(newLines)+len(oldLines))
	for _, seg := range segments {
		merged = append(merged, seg...)
	}
	// Trailing marker from the last segment.
	return merged[:len(merged)-1]
}

// Children merges two ordered id sequences: union preserving first-seen
// order, with the primary sequence first. Children sets behave like
// CRDT-ish sets with insertion order as a soft hint.
func Children(primary, secondary *types.OrderedSet) *types.OrderedSet {
	out := primary.Clone()
	out.Update(secondary)
	return out
}

// splitAtMarker cuts lines at every marker occurrence. The marker lines
// themselves are dropped; a trailing marker yields a trailing empty segment,
// mirroring how the arms were joined.
func splitAtMarker(lines []string, marker string) [][]string {
	var out [][]string
	last := 0
	for i, line := range lines {
		if line == marker {
			out = append(out, lines[last:i])
			last = i + 1
		}
	}
	return append(out, lines[last:])
}

// insertSegment keeps segments sorted by lexicographic line-list comparison
// and drops duplicates.
func insertSegment(segments [][]string, seg []string) [][]string {
	idx := sort.Search(len(segments), func(i int) bool {
		return compareLines(segments[i], seg) >= 0
	})
	if idx < len(segments) && compareLines(segments[idx], seg) == 0 {
		return segments
	}
	segments = append(segments, nil)
	copy(segments[idx+1:], segments[idx:])
	segments[idx] = seg
	return segments
}

func compareLines(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func linesEqual(a, b []string) bool {
	return compareLines(a, b) == 0
}

// OrderedDataHash hashes a JSON-encodable value deterministically. Realtime
// packets carry these so peers can detect spurious re-broadcasts of their
// own writes.
func OrderedDataHash(data any) string {
	raw, ok := data.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			// Only slices of strings and ids reach here; neither can fail.
			panic(err)
		}
	}
	sum := sha256.Sum256(raw)
	return base64.URLEncoding.EncodeToString(sum[:])
}

// ChildrenDataHash hashes a child-id collection order-insensitively.
func ChildrenDataHash(ids []types.NodeID) string {
	sorted := make([]types.NodeID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return OrderedDataHash(sorted)
}
