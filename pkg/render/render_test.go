package render

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/parser"
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

// seedGraph builds root -> (alpha, bravo), alpha -> charlie -> delta.
func seedGraph(t *testing.T, txn *store.Txn) (rootID, alphaID, bravoID, charlieID, deltaID types.NodeID) {
	t.Helper()
	rootID, alphaID = "10000000-0000-4000-8000-000000000001", "10000000-0000-4000-8000-00000000000a"
	bravoID, charlieID = "10000000-0000-4000-8000-00000000000b", "10000000-0000-4000-8000-00000000000c"
	deltaID = "10000000-0000-4000-8000-00000000000d"
	require.NoError(t, txn.SetContentLines(rootID, []string{"Root"}))
	require.NoError(t, txn.SetContentLines(alphaID, []string{"Alpha"}))
	require.NoError(t, txn.SetContentLines(bravoID, []string{"Bravo"}))
	require.NoError(t, txn.SetContentLines(charlieID, []string{"Charlie"}))
	require.NoError(t, txn.SetContentLines(deltaID, []string{"Delta"}))
	require.NoError(t, txn.SetDescendants(rootID, types.NewOrderedSet(alphaID, bravoID), false))
	require.NoError(t, txn.SetDescendants(alphaID, types.NewOrderedSet(charlieID), false))
	require.NoError(t, txn.SetDescendants(charlieID, types.NewOrderedSet(deltaID), false))
	return rootID, alphaID, bravoID, charlieID, deltaID
}

func TestRenderCollapsedChildren(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *store.Txn) error {
		rootID, alphaID, bravoID, _, _ := seedGraph(t, txn)

		view := &types.View{MainID: rootID, Tree: types.Tree{alphaID: nil, bravoID: nil}}
		lines, lastSync, err := Lines(txn, view, Options{LongIDs: true})
		require.NoError(t, err)

		require.Len(t, lines, 3)
		assert.Equal(t, "[](n"+string(rootID)+")  Root", lines[0])
		// Alpha has a hidden child, so it renders collapsed; Bravo is a leaf
		// and renders expanded.
		assert.Equal(t, "+ [](n"+string(alphaID)+")  Alpha", lines[1])
		assert.Equal(t, "- [](n"+string(bravoID)+")  Bravo", lines[2])

		assert.Contains(t, lastSync.Nodes, rootID)
		assert.Contains(t, lastSync.Nodes, alphaID)
		return nil
	})
	require.NoError(t, err)
}

func TestRenderExpandedSubtree(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *store.Txn) error {
		rootID, alphaID, bravoID, charlieID, deltaID := seedGraph(t, txn)

		view := &types.View{MainID: rootID, Tree: types.Tree{
			alphaID: {charlieID: {deltaID: nil}},
			bravoID: nil,
		}}
		lines, _, err := Lines(txn, view, Options{LongIDs: true})
		require.NoError(t, err)

		require.Len(t, lines, 5)
		assert.Equal(t, "- [](n"+string(alphaID)+")  Alpha", lines[1])
		// Charlie starts a linear single-child chain, so it and Delta render
		// as ordered items at the same indent.
		assert.Equal(t, "    1. [](n"+string(charlieID)+")  Charlie", lines[2])
		assert.Equal(t, "    1. [](n"+string(deltaID)+")  Delta", lines[3])
		assert.Equal(t, "- [](n"+string(bravoID)+")  Bravo", lines[4])
		return nil
	})
	require.NoError(t, err)
}

func TestRenderMultiParentTag(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *store.Txn) error {
		rootID, alphaID, bravoID, charlieID, _ := seedGraph(t, txn)
		// Charlie gains a second parent.
		require.NoError(t, txn.SetDescendants(bravoID, types.NewOrderedSet(charlieID), false))

		view := &types.View{MainID: rootID, Tree: types.Tree{
			alphaID: {charlieID: nil},
			bravoID: nil,
		}}
		lines, _, err := Lines(txn, view, Options{LongIDs: true})
		require.NoError(t, err)
		assert.Contains(t, lines[2], "[](N"+string(charlieID)+")")
		return nil
	})
	require.NoError(t, err)
}

func TestRenderContinuationLines(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *store.Txn) error {
		rootID, alphaID, _, _, _ := seedGraph(t, txn)
		require.NoError(t, txn.SetContentLines(alphaID, []string{"Alpha", "more", "lines"}))

		view := &types.View{MainID: rootID, Tree: types.Tree{alphaID: nil}}
		lines, _, err := Lines(txn, view, Options{LongIDs: true})
		require.NoError(t, err)
		assert.Equal(t, "  more", lines[2])
		assert.Equal(t, "  lines", lines[3])
		return nil
	})
	require.NoError(t, err)
}

func TestRenderFoldLevel(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *store.Txn) error {
		rootID, alphaID, bravoID, charlieID, _ := seedGraph(t, txn)

		view := &types.View{MainID: rootID, Tree: types.Tree{
			alphaID: {charlieID: nil},
			bravoID: nil,
		}}
		lines, _, err := Lines(txn, view, Options{LongIDs: true, FoldLevel: 1})
		require.NoError(t, err)
		// Depth capped: Charlie is not emitted.
		for _, line := range lines {
			assert.NotContains(t, line, string(charlieID))
		}
		return nil
	})
	require.NoError(t, err)
}

// Render output parses back to the same view with an empty change set.
func TestRenderParseRoundTrip(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *store.Txn) error {
		rootID, alphaID, bravoID, charlieID, deltaID := seedGraph(t, txn)

		view := &types.View{MainID: rootID, Tree: types.Tree{
			alphaID: {charlieID: {deltaID: nil}},
			bravoID: nil,
		}}
		lines, lastSync, err := Lines(txn, view, Options{})
		require.NoError(t, err)

		p := parser.New(txn, parser.Options{})
		parsedView, changes, err := p.Parse(lines, rootID, lastSync, false)
		require.NoError(t, err)
		assert.True(t, changes.Empty(), "round trip must not produce changes: %+v", changes)
		assert.Equal(t, rootID, parsedView.MainID)

		// Rendering the parsed view again reproduces the same lines.
		lines2, _, err := Lines(txn, parsedView, Options{})
		require.NoError(t, err)
		assert.Equal(t, lines, lines2)
		return nil
	})
	require.NoError(t, err)
}

func TestRenderEmptyContentNode(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(txn *store.Txn) error {
		rootID := types.NodeID("10000000-0000-4000-8000-000000000001")
		require.NoError(t, txn.SetContentLines(rootID, []string{""}))

		view := &types.View{MainID: rootID, Tree: types.Tree{}}
		lines, _, err := Lines(txn, view, Options{LongIDs: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"[](n" + string(rootID) + ")  "}, lines)
		return nil
	})
	require.NoError(t, err)
}
