package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fernet/fernet-go"

	"github.com/canopyhq/canopy/pkg/kv"
	"github.com/canopyhq/canopy/pkg/merge"
	"github.com/canopyhq/canopy/pkg/types"
)

// Metadata keys.
const (
	rootIDKey          = "root_id"
	clientKey          = "client"
	encryptionKey      = "db_encryption_enabled"
	shortIDEncodingKey = "short_id_encoding"
)

// Options tunes the graph store.
type Options struct {
	// ShortIDBytes is the width of the short-id counter. Changing it after
	// allocation started changes nothing for already-allocated ids.
	ShortIDBytes int
	// ShortIDEncoding names the rendering alphabet. Only base32 is used at
	// runtime; the store pins the name at first allocation and refuses a
	// silent switch.
	ShortIDEncoding string
	// ConflictMarker delimits conflict arms in content.
	ConflictMarker string
	// EncryptionKeyFile holds the fernet key used when the store is
	// encrypted.
	EncryptionKeyFile string
}

func (o Options) withDefaults() Options {
	if o.ShortIDBytes == 0 {
		o.ShortIDBytes = 2
	}
	if o.ShortIDEncoding == "" {
		o.ShortIDEncoding = EncodingBase32
	}
	if o.ConflictMarker == "" {
		o.ConflictMarker = "<CONFLICT>"
	}
	return o
}

// DB is the graph store: the exclusive owner of node content and adjacency.
// Views hold only references by id; everything else reads through here.
type DB struct {
	kv   *kv.Store
	opts Options
	key  *fernet.Key
}

// Open opens the graph store under dir.
func Open(dir string, opts Options) (*DB, error) {
	kvStore, err := kv.Open(dir)
	if err != nil {
		return nil, err
	}
	return &DB{kv: kvStore, opts: opts.withDefaults()}, nil
}

func (d *DB) Close() error { return d.kv.Close() }

// Marker returns the configured conflict marker.
func (d *DB) Marker() string { return d.opts.ConflictMarker }

// Begin opens a transaction. The editing cycle (parse, sync, render) runs
// inside a single writable transaction; peer syncs open their own and
// tolerate state advancing in between.
func (d *DB) Begin(writable bool) (*Txn, error) {
	t, err := d.kv.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &Txn{t: t, db: d}, nil
}

// Update runs fn in one write transaction.
func (d *DB) Update(fn func(*Txn) error) error {
	return d.kv.Update(func(t *kv.Txn) error {
		return fn(&Txn{t: t, db: d})
	})
}

// View runs fn in one read transaction.
func (d *DB) View(fn func(*Txn) error) error {
	return d.kv.View(func(t *kv.Txn) error {
		return fn(&Txn{t: t, db: d})
	})
}

// Txn is a typed transaction over the graph tables.
type Txn struct {
	t  *kv.Txn
	db *DB
}

func (t *Txn) Commit() error { return t.t.Commit() }
func (t *Txn) Abort() error  { return t.t.Abort() }

func (t *Txn) getJSON(table string, key []byte, out any) (bool, error) {
	raw, err := t.t.Get(table, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (t *Txn) putJSON(table string, key []byte, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding %s value: %w", table, err)
	}
	return t.t.Put(table, key, raw, true)
}

// --- content ---

// ContentLines returns the node's content. Content is never empty; a node
// without content does not exist (KeyNotFoundError).
func (t *Txn) ContentLines(id types.NodeID) ([]string, error) {
	lines, err := t.rawContentLines(id)
	if err != nil {
		return nil, err
	}
	encrypted, err := t.Encrypted()
	if err != nil {
		return nil, err
	}
	if encrypted {
		return t.db.decryptLines(lines)
	}
	return lines, nil
}

func (t *Txn) rawContentLines(id types.NodeID) ([]string, error) {
	var lines []string
	found, err := t.getJSON(kv.Content, []byte(id), &lines)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &types.KeyNotFoundError{Key: string(id)}
	}
	return lines, nil
}

// SetContentLines writes the node's content, marks it unsynced and
// invalidates its keyword filter.
func (t *Txn) SetContentLines(id types.NodeID, lines []string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	encrypted, err := t.Encrypted()
	if err != nil {
		return err
	}
	if encrypted {
		if lines, err = t.db.encryptLines(lines); err != nil {
			return err
		}
	}
	if err := t.putJSON(kv.Content, []byte(id), lines); err != nil {
		return err
	}
	if err := t.markUnsynced(kv.UnsyncedContent, id); err != nil {
		return err
	}
	return t.t.Delete(kv.BloomFilters, []byte(id))
}

// ContentHash hashes the stored content value, or returns false when the
// node has none. Realtime peers compare these to detect spurious
// re-broadcasts.
func (t *Txn) ContentHash(id types.NodeID) (string, bool, error) {
	raw, err := t.t.Get(kv.Content, []byte(id))
	if err != nil || raw == nil {
		return "", false, err
	}
	return merge.OrderedDataHash(raw), true, nil
}

// ChildrenHash hashes the stored children value, or returns false when the
// node has no recorded children.
func (t *Txn) ChildrenHash(id types.NodeID) (string, bool, error) {
	raw, err := t.t.Get(kv.Children, []byte(id))
	if err != nil || raw == nil {
		return "", false, err
	}
	return merge.OrderedDataHash(raw), true, nil
}

// IsValidNode reports whether the node has content.
func (t *Txn) IsValidNode(id types.NodeID) (bool, error) {
	return t.t.Has(kv.Content, []byte(id))
}

// NodeIDs lists every node with content.
func (t *Txn) NodeIDs() ([]types.NodeID, error) {
	var out []types.NodeID
	err := t.t.Iterate(kv.Content, func(key, _ []byte) error {
		out = append(out, types.NodeID(key))
		return nil
	})
	return out, err
}

// --- adjacency ---

// Descendants returns the node's children, or parents when transposed.
// With discardInvalid the result is filtered against content presence and
// stale ids are deleted from the store.
func (t *Txn) Descendants(id types.NodeID, transposed, discardInvalid bool) (*types.OrderedSet, error) {
	var ids []types.NodeID
	if _, err := t.getJSON(t.descendantsTable(transposed), []byte(id), &ids); err != nil {
		return nil, err
	}
	set := types.NewOrderedSet(ids...)
	if !discardInvalid {
		return set, nil
	}

	var stale []types.NodeID
	for _, descID := range set.IDs() {
		valid, err := t.IsValidNode(descID)
		if err != nil {
			return nil, err
		}
		if !valid {
			stale = append(stale, descID)
		}
	}
	if len(stale) > 0 {
		for _, descID := range stale {
			if err := t.DeleteNode(descID); err != nil {
				return nil, err
			}
			set.Remove(descID)
		}
		if err := t.setDescendantsValue(id, set, transposed); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// SetDescendants replaces the node's descendant set and keeps the reverse
// adjacency mutually consistent: every added or removed edge updates both
// tables.
func (t *Txn) SetDescendants(id types.NodeID, ids *types.OrderedSet, transposed bool) error {
	previous, err := t.Descendants(id, transposed, true)
	if err != nil {
		return err
	}

	if err := t.addRemoveAncestor(true, id, ids.Difference(previous), transposed); err != nil {
		return err
	}
	if err := t.addRemoveAncestor(false, id, previous.Difference(ids), transposed); err != nil {
		return err
	}
	return t.setDescendantsValue(id, ids, transposed)
}

func (t *Txn) addRemoveAncestor(add bool, ancestorID types.NodeID, descendants *types.OrderedSet, transposed bool) error {
	for _, descID := range descendants.IDs() {
		ancestors, err := t.Descendants(descID, !transposed, false)
		if err != nil {
			return err
		}
		if add {
			ancestors.Add(ancestorID)
		} else {
			ancestors.Remove(ancestorID)
		}
		if err := t.setDescendantsValue(descID, ancestors, !transposed); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) setDescendantsValue(id types.NodeID, ids *types.OrderedSet, transposed bool) error {
	if err := t.putJSON(t.descendantsTable(transposed), []byte(id), ids.IDs()); err != nil {
		return err
	}
	if !transposed {
		return t.markUnsynced(kv.UnsyncedChildren, id)
	}
	return nil
}

func (t *Txn) descendantsTable(transposed bool) string {
	if transposed {
		return kv.Parents
	}
	return kv.Children
}

// --- views ---

// NodeView returns the persisted view rooted at the node.
func (t *Txn) NodeView(id types.NodeID, transposed bool) (*types.View, error) {
	var tree types.Tree
	if _, err := t.getJSON(t.viewsTable(transposed), []byte(id), &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = types.Tree{}
	}
	return &types.View{MainID: id, Transposed: transposed, Tree: tree}, nil
}

// SetNodeView persists the view under its main id.
func (t *Txn) SetNodeView(view *types.View) error {
	if err := t.putJSON(t.viewsTable(view.Transposed), []byte(view.MainID), view.Tree); err != nil {
		return err
	}
	if !view.Transposed {
		return t.markUnsynced(kv.UnsyncedViews, view.MainID)
	}
	return nil
}

func (t *Txn) viewsTable(transposed bool) string {
	if transposed {
		return kv.TransposedViews
	}
	return kv.Views
}

// --- unsynced tracking ---

func (t *Txn) markUnsynced(table string, id types.NodeID) error {
	return t.t.Put(table, []byte(id), []byte{}, true)
}

// IsUnsyncedContent reports a pending content change for peers.
func (t *Txn) IsUnsyncedContent(id types.NodeID) (bool, error) {
	return t.t.Has(kv.UnsyncedContent, []byte(id))
}

// IsUnsyncedChildren reports a pending children change for peers.
func (t *Txn) IsUnsyncedChildren(id types.NodeID) (bool, error) {
	return t.t.Has(kv.UnsyncedChildren, []byte(id))
}

func (t *Txn) clearUnsynced(id types.NodeID) error {
	if err := t.t.Delete(kv.UnsyncedContent, []byte(id)); err != nil {
		return err
	}
	return t.t.Delete(kv.UnsyncedChildren, []byte(id))
}

// PopUnsyncedIDs consumes the unsynced content and children flags and
// returns the union of flagged node ids.
func (t *Txn) PopUnsyncedIDs() ([]types.NodeID, error) {
	seen := make(types.IDSet)
	var out []types.NodeID
	for _, table := range []string{kv.UnsyncedContent, kv.UnsyncedChildren} {
		err := t.t.Iterate(table, func(key, _ []byte) error {
			id := types.NodeID(key)
			if !seen.Has(id) {
				seen[id] = struct{}{}
				out = append(out, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	for _, id := range out {
		if err := t.clearUnsynced(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- metadata ---

// RootID returns the singleton root node id.
func (t *Txn) RootID() (types.NodeID, error) {
	var id types.NodeID
	found, err := t.getJSON(kv.Metadata, []byte(rootIDKey), &id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &types.KeyNotFoundError{Key: rootIDKey}
	}
	return id, nil
}

// EnsureRoot creates the root node on first use. The root always exists
// afterwards.
func (t *Txn) EnsureRoot() (types.NodeID, error) {
	if id, err := t.RootID(); err == nil {
		return id, nil
	}
	id := types.NewNodeID()
	if err := t.SetContentLines(id, []string{""}); err != nil {
		return "", err
	}
	if err := t.putJSON(kv.Children, []byte(id), []types.NodeID{}); err != nil {
		return "", err
	}
	if err := t.putJSON(kv.Parents, []byte(id), []types.NodeID{}); err != nil {
		return "", err
	}
	if err := t.putJSON(kv.Metadata, []byte(rootIDKey), id); err != nil {
		return "", err
	}
	return id, nil
}

// EnsureClient returns this store's peer identity, minting one on first use.
func (t *Txn) EnsureClient() (types.Client, error) {
	var client types.Client
	found, err := t.getJSON(kv.Metadata, []byte(clientKey), &client)
	if err != nil {
		return client, err
	}
	if found {
		return client, nil
	}
	var suffix [2]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return client, err
	}
	client = types.Client{
		ClientID:   string(types.NewNodeID()),
		ClientName: "canopy:" + hex.EncodeToString(suffix[:]),
	}
	return client, t.putJSON(kv.Metadata, []byte(clientKey), client)
}

// Encrypted reports whether content is encrypted at rest.
func (t *Txn) Encrypted() (bool, error) {
	var enabled bool
	if _, err := t.getJSON(kv.Metadata, []byte(encryptionKey), &enabled); err != nil {
		return false, err
	}
	return enabled, nil
}

// --- node lifecycle ---

// DeleteNode removes all of the node's records and flags it unsynced so
// peers drop their copies. The node's parents are flagged too, before their
// reverse-adjacency row disappears, so their files regenerate without the
// dead edge. Nodes are never destroyed implicitly; only explicit orphan
// collection and invalid-descendant discarding call this.
func (t *Txn) DeleteNode(id types.NodeID) error {
	parents, err := t.Descendants(id, true, false)
	if err != nil {
		return err
	}
	for _, table := range []string{kv.Children, kv.Content, kv.Views, kv.Parents, kv.TransposedViews, kv.BloomFilters} {
		if err := t.t.Delete(table, []byte(id)); err != nil {
			return err
		}
	}
	for _, table := range []string{kv.UnsyncedChildren, kv.UnsyncedContent, kv.UnsyncedViews} {
		if err := t.markUnsynced(table, id); err != nil {
			return err
		}
	}
	for _, parentID := range parents.IDs() {
		if err := t.markUnsynced(kv.UnsyncedChildren, parentID); err != nil {
			return err
		}
	}
	return nil
}

// Orphans returns nodes with recorded children that are unreachable from
// the root.
func (t *Txn) Orphans() ([]types.NodeID, error) {
	rootID, err := t.RootID()
	if err != nil {
		return nil, err
	}
	visited := types.IDSet{rootID: {}}
	stack := []types.NodeID{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := t.Descendants(id, false, false)
		if err != nil {
			return nil, err
		}
		for _, childID := range children.IDs() {
			if !visited.Has(childID) {
				visited[childID] = struct{}{}
				stack = append(stack, childID)
			}
		}
	}

	var orphans []types.NodeID
	err = t.t.Iterate(kv.Children, func(key, _ []byte) error {
		if id := types.NodeID(key); !visited.Has(id) {
			orphans = append(orphans, id)
		}
		return nil
	})
	return orphans, err
}

// RemoveOrphans deletes every orphan node.
func (t *Txn) RemoveOrphans() (int, error) {
	orphans, err := t.Orphans()
	if err != nil {
		return 0, err
	}
	for _, id := range orphans {
		if err := t.DeleteNode(id); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

// SetEncryption toggles encryption at rest, re-encoding every node's
// content and dropping all keyword filters.
func (t *Txn) SetEncryption() error {
	wasEncrypted, err := t.Encrypted()
	if err != nil {
		return err
	}
	ids, err := t.NodeIDs()
	if err != nil {
		return err
	}
	if err := t.putJSON(kv.Metadata, []byte(encryptionKey), !wasEncrypted); err != nil {
		return err
	}
	for _, id := range ids {
		stored, err := t.rawContentLines(id)
		if err != nil {
			return err
		}
		lines := stored
		if wasEncrypted {
			if lines, err = t.db.decryptLines(stored); err != nil {
				return err
			}
		}
		if err := t.SetContentLines(id, lines); err != nil {
			return err
		}
	}
	var blooms []types.NodeID
	if err := t.t.Iterate(kv.BloomFilters, func(key, _ []byte) error {
		blooms = append(blooms, types.NodeID(key))
		return nil
	}); err != nil {
		return err
	}
	for _, id := range blooms {
		if err := t.t.Delete(kv.BloomFilters, []byte(id)); err != nil {
			return err
		}
	}
	return nil
}
