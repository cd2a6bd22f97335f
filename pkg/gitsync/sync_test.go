package gitsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func TestEnsureRepo(t *testing.T) {
	requireGit(t)
	syncer, _ := testSyncer(t)
	require.NoError(t, os.MkdirAll(syncer.dir, 0o700))

	client := types.Client{ClientID: "client-1", ClientName: "canopy:test"}
	ctx := context.Background()
	require.NoError(t, syncer.EnsureRepo(ctx, client))

	// Idempotent.
	require.NoError(t, syncer.EnsureRepo(ctx, client))

	attributes, err := os.ReadFile(filepath.Join(syncer.dir, ".gitattributes"))
	require.NoError(t, err)
	assert.Contains(t, string(attributes), "*.md merge=union")
	assert.Contains(t, string(attributes), "* text=auto eol=lf")

	name, err := syncer.git(ctx, "config", "user.name")
	require.NoError(t, err)
	assert.Equal(t, "canopy:test", name)
}

// A full local cycle: unsynced nodes materialize as committed node files;
// without a remote the push is skipped and the next cycle is clean.
func TestSyncCycleWithoutRemote(t *testing.T) {
	requireGit(t)
	syncer, db := testSyncer(t)
	require.NoError(t, os.MkdirAll(syncer.dir, 0o700))

	ctx := context.Background()
	require.NoError(t, syncer.EnsureRepo(ctx, types.Client{ClientID: "c", ClientName: "canopy:test"}))

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		if err := txn.SetContentLines(nodeA, []string{"hello"}); err != nil {
			return err
		}
		if err := txn.SetContentLines(nodeB, []string{"child"}); err != nil {
			return err
		}
		return txn.SetDescendants(nodeA, types.NewOrderedSet(nodeB), false)
	}))

	require.NoError(t, syncer.Sync(ctx, nil))

	assert.FileExists(t, syncer.NodeFilePath(nodeA))
	assert.FileExists(t, syncer.NodeFilePath(nodeB))

	status, err := syncer.git(ctx, "status", "--porcelain")
	require.NoError(t, err)
	assert.Empty(t, status, "cycle must leave a clean tree")

	// Flags were consumed; a second cycle regenerates nothing.
	require.NoError(t, db.View(func(txn *store.Txn) error {
		unsynced, err := txn.IsUnsyncedContent(nodeA)
		require.NoError(t, err)
		assert.False(t, unsynced)
		return nil
	}))
}

// A node deleted from the store loses its file and its parents' files
// regenerate without it.
func TestSyncRemovesInvalidNodeFiles(t *testing.T) {
	requireGit(t)
	syncer, db := testSyncer(t)
	require.NoError(t, os.MkdirAll(syncer.dir, 0o700))

	ctx := context.Background()
	require.NoError(t, syncer.EnsureRepo(ctx, types.Client{ClientID: "c", ClientName: "canopy:test"}))

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		if err := txn.SetContentLines(nodeA, []string{"parent"}); err != nil {
			return err
		}
		if err := txn.SetContentLines(nodeB, []string{"doomed"}); err != nil {
			return err
		}
		return txn.SetDescendants(nodeA, types.NewOrderedSet(nodeB), false)
	}))
	require.NoError(t, syncer.Sync(ctx, nil))
	require.FileExists(t, syncer.NodeFilePath(nodeB))

	require.NoError(t, db.Update(func(txn *store.Txn) error {
		return txn.DeleteNode(nodeB)
	}))
	require.NoError(t, syncer.Sync(ctx, nil))

	assert.NoFileExists(t, syncer.NodeFilePath(nodeB))
	_, children, err := ParseNodeFile(db, syncer.NodeFilePath(nodeA), false)
	require.NoError(t, err)
	assert.Zero(t, children.Len())
}

func TestLockRepoAcquiresFreeLock(t *testing.T) {
	requireGit(t)
	syncer, _ := testSyncer(t)
	require.NoError(t, os.MkdirAll(filepath.Join(syncer.dir, ".git"), 0o700))

	first, err := syncer.lockRepo()
	require.NoError(t, err)
	defer first.Unlock()
	// The flock is process-wide re-entrant on some platforms, so only
	// assert the happy path here; the retry window is covered by the
	// LockNotAcquiredError taxonomy.
}
