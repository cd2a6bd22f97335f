package types

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
)

// NodeID is the stable identity of a node: 16 bytes rendered as UUID text.
// The first 6 bytes are a big-endian millisecond timestamp, the remaining 10
// are random. Only NewNodeID mints them.
type NodeID string

// ShortID is the compact base-32 rendering alias of a NodeID, allocated
// lazily on first render and stable forever.
type ShortID string

// NewNodeID mints a time-prefixed NodeID. Collision-free on one client by
// construction; cross-client collisions are astronomically improbable.
func NewNodeID() NodeID {
	var b [16]byte
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixMilli()))
	copy(b[:6], ts[2:])
	if _, err := rand.Read(b[6:]); err != nil {
		panic(fmt.Sprintf("types: reading random bytes: %v", err))
	}
	return NodeID(uuid.UUID(b).String())
}

// Valid reports whether the id parses as UUID text.
func (id NodeID) Valid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// Tree is a view's expansion tree. A key present with a nil value is a
// visible but collapsed child; a non-nil value is an expanded subtree.
type Tree map[NodeID]Tree

// Clone deep-copies the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for id, sub := range t {
		out[id] = sub.Clone()
	}
	return out
}

// View describes what to render: a root node, the transposed flag (walk
// parents instead of children) and the expansion tree below the root.
type View struct {
	MainID     NodeID
	Transposed bool
	Tree       Tree
}

// IDSet is an unordered set of node ids, used for last-sync snapshots where
// only membership matters.
type IDSet map[NodeID]struct{}

func (s IDSet) Has(id NodeID) bool { _, ok := s[id]; return ok }

// Equal reports set equality.
func (s IDSet) Equal(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}

// OrderedSet is an insertion-ordered set of node ids. Children sets are
// ordered sets: union keeps first-seen order, which is the soft ordering
// hint the children merge relies on.
type OrderedSet struct {
	m *orderedmap.OrderedMap[NodeID, struct{}]
}

func NewOrderedSet(ids ...NodeID) *OrderedSet {
	s := &OrderedSet{m: orderedmap.NewOrderedMap[NodeID, struct{}]()}
	for _, id := range ids {
		s.m.Set(id, struct{}{})
	}
	return s
}

func (s *OrderedSet) Add(id NodeID)      { s.m.Set(id, struct{}{}) }
func (s *OrderedSet) Remove(id NodeID)   { s.m.Delete(id) }
func (s *OrderedSet) Has(id NodeID) bool { _, ok := s.m.Get(id); return ok }
func (s *OrderedSet) Len() int           { return s.m.Len() }

// IDs returns the ids in insertion order.
func (s *OrderedSet) IDs() []NodeID {
	out := make([]NodeID, 0, s.m.Len())
	for el := s.m.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key)
	}
	return out
}

// Update appends the members of other that are not yet present, in other's
// order. This is the children-merge union.
func (s *OrderedSet) Update(other *OrderedSet) {
	for el := other.m.Front(); el != nil; el = el.Next() {
		s.m.Set(el.Key, struct{}{})
	}
}

// Difference returns the members of s absent from other, in s's order.
func (s *OrderedSet) Difference(other *OrderedSet) *OrderedSet {
	out := NewOrderedSet()
	for el := s.m.Front(); el != nil; el = el.Next() {
		if !other.Has(el.Key) {
			out.Add(el.Key)
		}
	}
	return out
}

// Set returns the members as an unordered IDSet.
func (s *OrderedSet) Set() IDSet {
	out := make(IDSet, s.m.Len())
	for el := s.m.Front(); el != nil; el = el.Next() {
		out[el.Key] = struct{}{}
	}
	return out
}

// EqualUnordered reports whether s and the given set have the same members.
func (s *OrderedSet) EqualUnordered(other IDSet) bool {
	if s.Len() != len(other) {
		return false
	}
	for el := s.m.Front(); el != nil; el = el.Next() {
		if _, ok := other[el.Key]; !ok {
			return false
		}
	}
	return true
}

func (s *OrderedSet) Clone() *OrderedSet {
	out := NewOrderedSet()
	out.Update(s)
	return out
}

// NodeData is the per-node last-sync snapshot: content and child-id set as
// last rendered. It is the common ancestor for the three-way merges.
type NodeData struct {
	Content  []string
	Children IDSet
}

// LineInfo maps a rendered line back to the node occurrence it came from.
type LineInfo struct {
	NodeID  NodeID
	Context Tree
}

// LastSync tracks the last rendered state of every node in a buffer plus the
// line map for cursor-addressed operations.
type LastSync struct {
	Nodes    map[NodeID]NodeData
	LineInfo map[int]LineInfo
}

func NewLastSync() *LastSync {
	return &LastSync{Nodes: make(map[NodeID]NodeData), LineInfo: make(map[int]LineInfo)}
}

// Pop drops the snapshot for one node, forcing the next sync to treat it as
// unseen. Used when the user resolves an uncertain-children prompt.
func (l *LastSync) Pop(id NodeID) { delete(l.Nodes, id) }

// ChangeSet is the parser's output: per-node new content and/or new child
// ordered sets. Ephemeral, one per parse.
type ChangeSet struct {
	Content  map[NodeID][]string
	Children map[NodeID]*OrderedSet
}

func NewChangeSet() *ChangeSet {
	return &ChangeSet{Content: make(map[NodeID][]string), Children: make(map[NodeID]*OrderedSet)}
}

func (c *ChangeSet) Empty() bool {
	return len(c.Content) == 0 && len(c.Children) == 0
}

// ContentEntry is one realtime packet value: the pre-merge hash of the
// sender's store value and the new content lines. Serialized as a two
// element array.
type ContentEntry struct {
	Hash  string
	Lines []string
}

func (e ContentEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Hash, e.Lines})
}

func (e *ContentEntry) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &e.Hash); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.Lines)
}

// ChildrenEntry mirrors ContentEntry for child-id lists.
type ChildrenEntry struct {
	Hash string
	IDs  []NodeID
}

func (e ChildrenEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Hash, e.IDs})
}

func (e *ChildrenEntry) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &e.Hash); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &e.IDs)
}

// BroadcastPacket is the realtime wire unit. Peers drop packets carrying
// their own client id or a timestamp older than five seconds.
type BroadcastPacket struct {
	ClientID  string                   `json:"client_id"`
	Timestamp float64                  `json:"timestamp"`
	Content   map[NodeID]ContentEntry  `json:"content,omitempty"`
	Children  map[NodeID]ChildrenEntry `json:"children,omitempty"`
}

func (p *BroadcastPacket) Empty() bool {
	return p == nil || (len(p.Content) == 0 && len(p.Children) == 0)
}

// Client identifies this store to its peers.
type Client struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
}
