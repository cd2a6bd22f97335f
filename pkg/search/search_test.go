package search

import (
	"path/filepath"
	"strings"
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

func TestQueryNormalizesPrefixes(t *testing.T) {
	prefixes := Query("Hello World")
	assert.ElementsMatch(t, []string{"hel", "wor"}, prefixes)
}

func TestMatchingNodes(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(txn *store.Txn) error {
		if err := txn.SetContentLines("n1", []string{"groceries milk eggs"}); err != nil {
			return err
		}
		return txn.SetContentLines("n2", []string{"meeting notes"})
	}))

	lines, err := MatchingNodes(db, Query("groceries"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "n1"+LineDelimiter))

	// No keywords lists everything.
	lines, err = MatchingNodes(db, nil)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestMatchingNodesAllKeywordsRequired(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(txn *store.Txn) error {
		return txn.SetContentLines("n1", []string{"alpha beta"})
	}))

	lines, err := MatchingNodes(db, Query("alpha zulu"))
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestInputLine(t *testing.T) {
	line := InputLine(types.NodeID("id"), []string{"a", "b"})
	assert.Equal(t, "id"+LineDelimiter+"a b", line)
}
