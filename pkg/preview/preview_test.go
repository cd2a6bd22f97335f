package preview

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir, store.Options{EncryptionKeyFile: filepath.Join(dir, "key")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPadLines(t *testing.T) {
	lines := padLines([]string{"a"}, 10, 3)
	assert.Equal(t, []string{"a", "", ""}, lines)

	// Wrapped lines count by their rendered height.
	lines = padLines([]string{"aaaaaaaaaa"}, 5, 2)
	assert.Equal(t, []string{"aaaaaaaaaa"}, lines)
}

func TestPreviewNode(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(txn *store.Txn) error {
		for id, content := range map[types.NodeID][]string{
			"p": {"parent"},
			"n": {"the node"},
			"c": {"child"},
		} {
			if err := txn.SetContentLines(id, content); err != nil {
				return err
			}
		}
		if err := txn.SetDescendants("p", types.NewOrderedSet("n"), false); err != nil {
			return err
		}
		return txn.SetDescendants("n", types.NewOrderedSet("c"), false)
	}))

	lines, err := Node(db, "n", 40, 20, DefaultDepth)
	require.NoError(t, err)

	joined := ""
	for _, line := range lines {
		joined += line + "\n"
	}
	assert.Contains(t, joined, "the node")
	assert.Contains(t, joined, "child")
	assert.Contains(t, joined, "parent")
	// Both panes got their separator rules.
	assert.Contains(t, joined, "─")
	assert.Contains(t, joined, "━")
}

func TestPreviewMissingNode(t *testing.T) {
	db := openTestDB(t)
	_, err := Node(db, "missing", 40, 20, DefaultDepth)
	assert.Error(t, err)
}
