package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, Options{EncryptionKeyFile: filepath.Join(dir, "key")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addNode(t *testing.T, txn *Txn, id types.NodeID, content ...string) {
	t.Helper()
	require.NoError(t, txn.SetContentLines(id, content))
}

func TestContentRoundTrip(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		addNode(t, txn, "n1", "hello", "world")

		lines, err := txn.ContentLines("n1")
		require.NoError(t, err)
		assert.Equal(t, []string{"hello", "world"}, lines)

		_, err = txn.ContentLines("missing")
		var absent *types.KeyNotFoundError
		assert.ErrorAs(t, err, &absent)
		return nil
	})
	require.NoError(t, err)
}

func TestEmptyContentDefaultsToSingleEmptyLine(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		require.NoError(t, txn.SetContentLines("n1", nil))
		lines, err := txn.ContentLines("n1")
		require.NoError(t, err)
		assert.Equal(t, []string{""}, lines)
		return nil
	})
	require.NoError(t, err)
}

// TestAdjacencyMutualConsistency pins the core invariant: after any write
// sequence, child ∈ children(parent) ⇔ parent ∈ parents(child).
func TestAdjacencyMutualConsistency(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		for _, id := range []types.NodeID{"p", "a", "b", "c"} {
			addNode(t, txn, id, string(id))
		}

		require.NoError(t, txn.SetDescendants("p", types.NewOrderedSet("a", "b"), false))
		for _, child := range []types.NodeID{"a", "b"} {
			parents, err := txn.Descendants(child, true, false)
			require.NoError(t, err)
			assert.True(t, parents.Has("p"), child)
		}

		// Replace b with c: reverse adjacency follows both the added and
		// the removed edge.
		require.NoError(t, txn.SetDescendants("p", types.NewOrderedSet("a", "c"), false))

		bParents, err := txn.Descendants("b", true, false)
		require.NoError(t, err)
		assert.False(t, bParents.Has("p"))

		cParents, err := txn.Descendants("c", true, false)
		require.NoError(t, err)
		assert.True(t, cParents.Has("p"))
		return nil
	})
	require.NoError(t, err)
}

func TestDescendantsDiscardInvalid(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		addNode(t, txn, "p", "p")
		addNode(t, txn, "a", "a")
		// "ghost" has no content and must be discarded and deleted.
		require.NoError(t, txn.SetDescendants("p", types.NewOrderedSet("a", "ghost"), false))
		require.NoError(t, txn.DeleteNode("ghost"))

		children, err := txn.Descendants("p", false, true)
		require.NoError(t, err)
		assert.Equal(t, []types.NodeID{"a"}, children.IDs())
		return nil
	})
	require.NoError(t, err)
}

func TestUnsyncedFlags(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		addNode(t, txn, "n1", "x")
		addNode(t, txn, "n2", "y")
		require.NoError(t, txn.SetDescendants("n1", types.NewOrderedSet("n2"), false))

		unsynced, err := txn.IsUnsyncedContent("n1")
		require.NoError(t, err)
		assert.True(t, unsynced)

		ids, err := txn.PopUnsyncedIDs()
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.NodeID{"n1", "n2"}, ids)

		// Consumed: the second pop is empty.
		ids, err = txn.PopUnsyncedIDs()
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	})
	require.NoError(t, err)
}

func TestEnsureRoot(t *testing.T) {
	db := openTestDB(t)
	var rootID types.NodeID
	err := db.Update(func(txn *Txn) error {
		var err error
		rootID, err = txn.EnsureRoot()
		require.NoError(t, err)

		again, err := txn.EnsureRoot()
		require.NoError(t, err)
		assert.Equal(t, rootID, again)

		lines, err := txn.ContentLines(rootID)
		require.NoError(t, err)
		assert.Equal(t, []string{""}, lines)
		return nil
	})
	require.NoError(t, err)
}

func TestShortIDAllocation(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		seen := make(map[types.ShortID]types.NodeID)
		for _, id := range []types.NodeID{"n1", "n2", "n3"} {
			shortID, err := txn.ShortIDFor(id)
			require.NoError(t, err)
			_, dup := seen[shortID]
			assert.False(t, dup, "short id %s recycled", shortID)
			seen[shortID] = id

			// Stable on re-read.
			again, err := txn.ShortIDFor(id)
			require.NoError(t, err)
			assert.Equal(t, shortID, again)

			// Round-trips.
			back, err := txn.NodeForShortID(shortID)
			require.NoError(t, err)
			assert.Equal(t, id, back)
		}

		_, err := txn.NodeForShortID("ZZZ")
		var invalid *types.InvalidShortIDError
		assert.ErrorAs(t, err, &invalid)
		return nil
	})
	require.NoError(t, err)
}

func TestShortIDEncodingPinned(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *Txn) error {
		_, err := txn.ShortIDFor("n1")
		return err
	}))
	require.NoError(t, db.Close())

	// Reopening with a different configured encoding succeeds, but the next
	// short-id allocation must refuse.
	db, err = Open(dir, Options{ShortIDEncoding: EncodingBase64})
	require.NoError(t, err)
	defer db.Close()
	err = db.Update(func(txn *Txn) error {
		_, err := txn.ShortIDFor("n2")
		return err
	})
	var invalid *types.InvalidShortIDError
	assert.ErrorAs(t, err, &invalid)
}

func TestCompactBase32(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		encoded string
	}{
		{name: "zero is A", raw: []byte{0, 0}, encoded: "A"},
		{name: "one", raw: []byte{0, 1}, encoded: "Q"},
		{name: "max", raw: []byte{255, 255}, encoded: "777Q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.encoded, compactBase32Encode(tt.raw))
			back, err := compactBase32Decode(tt.encoded, 2)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, back)
		})
	}
}

func TestOrphans(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		rootID, err := txn.EnsureRoot()
		require.NoError(t, err)
		addNode(t, txn, "kept", "kept")
		addNode(t, txn, "lost", "lost")
		addNode(t, txn, "lostchild", "lostchild")
		require.NoError(t, txn.SetDescendants(rootID, types.NewOrderedSet("kept"), false))
		require.NoError(t, txn.SetDescendants("lost", types.NewOrderedSet("lostchild"), false))

		orphans, err := txn.Orphans()
		require.NoError(t, err)
		assert.Contains(t, orphans, types.NodeID("lost"))
		assert.NotContains(t, orphans, types.NodeID("kept"))

		_, err = txn.RemoveOrphans()
		require.NoError(t, err)
		valid, err := txn.IsValidNode("lost")
		require.NoError(t, err)
		assert.False(t, valid)
		return nil
	})
	require.NoError(t, err)
}

func TestEncryptionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *Txn) error {
		addNode(t, txn, "n1", "secret", "lines")
		require.NoError(t, txn.SetEncryption())

		encrypted, err := txn.Encrypted()
		require.NoError(t, err)
		assert.True(t, encrypted)

		// Reads are transparent.
		lines, err := txn.ContentLines("n1")
		require.NoError(t, err)
		assert.Equal(t, []string{"secret", "lines"}, lines)

		// At rest it is a single token line.
		raw, err := txn.rawContentLines("n1")
		require.NoError(t, err)
		require.Len(t, raw, 1)
		assert.NotEqual(t, "secret", raw[0])

		require.NoError(t, txn.SetEncryption())
		lines, err = txn.ContentLines("n1")
		require.NoError(t, err)
		assert.Equal(t, []string{"secret", "lines"}, lines)
		return nil
	})
	require.NoError(t, err)
}

func TestNormalizedSearchPrefixes(t *testing.T) {
	prefixes := NormalizedSearchPrefixes("Hello wide World")
	assert.Contains(t, prefixes, "hel")
	assert.Contains(t, prefixes, "wor")
	assert.Contains(t, prefixes, "wid")
	assert.NotContains(t, prefixes, "hello")
}
