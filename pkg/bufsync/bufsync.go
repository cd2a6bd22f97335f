// Package bufsync reconciles the parser's change set with the store and
// assembles the realtime broadcast packet. Every write goes through the
// last-sync-aware three-way rule: when the store moved away from both the
// snapshot and the incoming value, the conflict primitive resolves it.
package bufsync

import (
	"errors"

	"github.com/canopyhq/canopy/pkg/merge"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// absentContent is the content of a node that does not exist yet: a single
// empty line, never an empty list.
var absentContent = []string{""}

// Sync writes the change set, persists the root view and returns the
// broadcast packet for realtime peers (nil maps when realtime is off).
func Sync(txn *store.Txn, rootView *types.View, changes *types.ChangeSet, lastSync *types.LastSync, marker string, realtime bool) (*types.BroadcastPacket, error) {
	packet := &types.BroadcastPacket{}
	if realtime {
		packet.Content = make(map[types.NodeID]types.ContentEntry)
		packet.Children = make(map[types.NodeID]types.ChildrenEntry)
	}

	if rootView != nil {
		if err := txn.SetNodeView(rootView); err != nil {
			return nil, err
		}
	}

	if err := syncContent(txn, changes, lastSync, marker, realtime, packet); err != nil {
		return nil, err
	}
	transposed := rootView != nil && rootView.Transposed
	if err := syncDescendants(txn, changes, lastSync, transposed, realtime, packet); err != nil {
		return nil, err
	}
	return packet, nil
}

func syncContent(txn *store.Txn, changes *types.ChangeSet, lastSync *types.LastSync, marker string, realtime bool, packet *types.BroadcastPacket) error {
	for id, lines := range changes.Content {
		overridden := absentContent
		dbLines, err := txn.ContentLines(id)
		var absent *types.KeyNotFoundError
		switch {
		case err == nil:
			snapshot, seen := lastSync.Nodes[id]
			if !seen || !stringsEqual(dbLines, snapshot.Content) {
				lines = merge.Content(lines, dbLines, marker)
			}
			overridden = dbLines
		case errors.As(err, &absent):
			// New node: nothing to merge against.
		default:
			return err
		}

		if realtime {
			packet.Content[id] = types.ContentEntry{Hash: merge.OrderedDataHash(overridden), Lines: lines}
		}
		if err := txn.SetContentLines(id, lines); err != nil {
			return err
		}
	}
	return nil
}

// syncDescendants applies children changes in two phases: all reads first,
// then all writes, so reverse-adjacency updates of one node cannot disturb
// the pre-merge state of the next. In a transposed buffer the typed edges
// are parent edges; the broadcast still carries the resulting forward
// children per affected parent.
func syncDescendants(txn *store.Txn, changes *types.ChangeSet, lastSync *types.LastSync, transposed, realtime bool, packet *types.BroadcastPacket) error {
	type pending struct {
		id  types.NodeID
		ids *types.OrderedSet
	}
	var writes []pending
	preHash := make(map[types.NodeID]string)
	var broadcastParents []types.NodeID

	for id, ids := range changes.Children {
		dbIDs, err := txn.Descendants(id, transposed, false)
		if err != nil {
			return err
		}
		snapshot, seen := lastSync.Nodes[id]
		if !seen || !dbIDs.EqualUnordered(snapshot.Children) {
			ids = merge.Children(ids, dbIDs)
		}
		writes = append(writes, pending{id: id, ids: ids})

		if realtime {
			if transposed {
				// Pre-merge hashes must be captured before the writes below
				// rewire the parents' child lists.
				for _, parentID := range ids.IDs() {
					if _, done := preHash[parentID]; done {
						continue
					}
					hash, ok, err := txn.ChildrenHash(parentID)
					if err != nil {
						return err
					}
					if !ok {
						hash = merge.ChildrenDataHash(nil)
					}
					preHash[parentID] = hash
					broadcastParents = append(broadcastParents, parentID)
				}
			} else {
				hash, ok, err := txn.ChildrenHash(id)
				if err != nil {
					return err
				}
				if !ok {
					hash = merge.ChildrenDataHash(nil)
				}
				packet.Children[id] = types.ChildrenEntry{Hash: hash, IDs: ids.IDs()}
			}
		}
	}

	for _, w := range writes {
		if err := txn.SetDescendants(w.id, w.ids, transposed); err != nil {
			return err
		}
	}

	// Transposed edits change other nodes' child lists; read them back after
	// the writes so peers get the settled values.
	for _, parentID := range broadcastParents {
		children, err := txn.Descendants(parentID, false, false)
		if err != nil {
			return err
		}
		packet.Children[parentID] = types.ChildrenEntry{Hash: preHash[parentID], IDs: children.IDs()}
	}
	return nil
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
