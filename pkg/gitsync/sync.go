package gitsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/canopyhq/canopy/pkg/merge"
	"github.com/canopyhq/canopy/pkg/metrics"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

// pendingNode is one parsed node file awaiting the unsynced-guarded write.
type pendingNode struct {
	id       types.NodeID
	content  []string
	children *types.OrderedSet
}

// Sync runs one directory-sync cycle under the repository lock: commit
// divergent local state, fetch and merge the remote, fold changed node
// files into the store, regenerate files for unsynced nodes and push.
//
// A git merge conflict is fatal for the cycle and surfaced to the caller;
// the store is only written after the merge succeeded. Push failures are
// retried on the next cycle.
func (s *Syncer) Sync(ctx context.Context, onRemoteChange func()) error {
	timer := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues("directory").Observe(time.Since(timer).Seconds())
		metrics.SyncCyclesTotal.WithLabelValues("directory").Inc()
	}()

	lock, err := s.lockRepo()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return s.onBranch(ctx, func() error {
		changedFiles, err := s.fetchFromRemote(ctx)
		if err != nil {
			return err
		}
		repositoryEncrypted := s.RepositoryEncrypted()

		if len(changedFiles) > 0 {
			if err := s.directoryToDB(changedFiles, repositoryEncrypted); err != nil {
				return err
			}
			s.logger.Debug().Int("files", len(changedFiles)).Msg("folded remote changes into store")
			if onRemoteChange != nil {
				onRemoteChange()
			}
		}
		if err := s.dbToDirectory(repositoryEncrypted); err != nil {
			return err
		}
		return s.pushToRemote(ctx)
	})
}

// fetchFromRemote commits any divergent local state, fetches the remote and
// merges it, returning the names of files the remote changed.
func (s *Syncer) fetchFromRemote(ctx context.Context) ([]string, error) {
	if _, err := s.git(ctx, "add", "-A"); err != nil {
		return nil, err
	}
	// The commit may be empty.
	if _, err := s.git(ctx, "commit", "-am", "Unknown changes"); err != nil {
		s.logger.Debug().Err(err).Msg("nothing to commit")
	}

	remote := s.cfg.PushRemote()
	if remote == "" {
		return nil, nil
	}
	if _, err := s.git(ctx, "fetch", remote, s.cfg.Branch); err != nil {
		s.logger.Debug().Err(err).Msg("couldn't fetch")
		return nil, nil
	}

	if _, err := s.git(ctx, "merge-base", "--is-ancestor", "FETCH_HEAD", "HEAD"); err == nil {
		return nil, nil
	}

	beforeMerge, err := s.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		beforeMerge = ""
	}
	if out, err := s.git(ctx, "merge", "FETCH_HEAD", "--allow-unrelated-histories"); err != nil {
		return nil, &types.GitMergeError{Dir: s.dir, Output: out}
	}

	if beforeMerge == "" {
		entries, err := filepath.Glob(filepath.Join(s.dir, "*.md"))
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, filepath.Base(entry))
		}
		return names, nil
	}
	diff, err := s.git(ctx, "diff", "--name-only", beforeMerge, "FETCH_HEAD")
	if err != nil {
		return nil, err
	}
	if diff == "" {
		return nil, nil
	}
	return strings.Split(diff, "\n"), nil
}

// pushToRemote commits and pushes local regeneration, if any. Network
// failures are logged; the next cycle retries.
func (s *Syncer) pushToRemote(ctx context.Context) error {
	if _, err := s.git(ctx, "add", "-A"); err != nil {
		return err
	}
	status, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	if _, err := s.git(ctx, "commit", "-m", "sync"); err != nil {
		return err
	}
	remote := s.cfg.PushRemote()
	if remote == "" {
		return nil
	}
	push := func() error {
		_, err := s.git(ctx, "push", "-u", remote, s.cfg.Branch)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(push, backoff.WithContext(policy, ctx)); err != nil {
		s.logger.Debug().Err(err).Msg("could not push")
	}
	return nil
}

// directoryToDB parses every valid changed node file and applies the
// pending changes with the unsynced-guarded three-way rule: an unsynced
// store value merges, a clean one is overwritten.
func (s *Syncer) directoryToDB(changedFiles []string, repositoryEncrypted bool) error {
	var pendingNodes []pendingNode
	for _, name := range changedFiles {
		if strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
			continue
		}
		path := filepath.Join(s.dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		id, err := FileNameNodeID(name)
		if err != nil {
			s.logger.Error().Str("file", name).Msg("invalid node file name")
			continue
		}
		content, children, err := ParseNodeFile(s.db, path, repositoryEncrypted)
		if err != nil {
			var invalid *types.InvalidFileChildrenLineError
			if errors.As(err, &invalid) {
				s.logger.Error().Str("file", name).Err(err).Msg("could not extract content and children")
				return err
			}
			return err
		}
		pendingNodes = append(pendingNodes, pendingNode{id: id, content: content, children: children})
	}
	if len(pendingNodes) == 0 {
		return nil
	}

	return s.db.Update(func(txn *store.Txn) error {
		for _, node := range pendingNodes {
			unsyncedChildren, err := txn.IsUnsyncedChildren(node.id)
			if err != nil {
				return err
			}
			children := node.children
			if unsyncedChildren {
				dbChildren, err := txn.Descendants(node.id, false, true)
				if err != nil {
					return err
				}
				children = merge.Children(children, dbChildren)
			}
			if err := txn.SetDescendants(node.id, children, false); err != nil {
				return err
			}

			content := node.content
			unsyncedContent, err := txn.IsUnsyncedContent(node.id)
			if err != nil {
				return err
			}
			if unsyncedContent {
				dbContent, err := txn.ContentLines(node.id)
				var absent *types.KeyNotFoundError
				switch {
				case err == nil:
					content = merge.Content(content, dbContent, s.db.Marker())
					metrics.ConflictsResolved.WithLabelValues("directory").Inc()
				case errors.As(err, &absent):
				default:
					return err
				}
			}
			if err := txn.SetContentLines(node.id, content); err != nil {
				return err
			}
		}
		return nil
	})
}

// dbToDirectory consumes the unsynced flags and regenerates node files.
// Nodes no longer valid lose their file and their parents' files are
// regenerated without them.
func (s *Syncer) dbToDirectory(repositoryEncrypted bool) error {
	return s.db.Update(func(txn *store.Txn) error {
		unsyncedIDs, err := txn.PopUnsyncedIDs()
		if err != nil {
			return err
		}
		modified := types.NewOrderedSet()
		for _, id := range unsyncedIDs {
			valid, err := txn.IsValidNode(id)
			if err != nil {
				return err
			}
			if valid {
				modified.Add(id)
				continue
			}
			if err := os.Remove(s.NodeFilePath(id)); err != nil && !os.IsNotExist(err) {
				return err
			}
			parents, err := txn.Descendants(id, true, true)
			if err != nil {
				return err
			}
			modified.Update(parents)
		}
		for _, id := range modified.IDs() {
			if err := s.WriteNodeFile(txn, id, repositoryEncrypted); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run drives periodic sync cycles until the context ends. Failures are
// logged and the next tick retries; only the caller decides what is
// unrecoverable.
func (s *Syncer) Run(ctx context.Context, trigger <-chan struct{}, onRemoteChange func()) {
	if !s.cfg.Enabled {
		return
	}
	interval := s.cfg.SyncInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Msg("directory sync started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("directory sync stopped")
			return
		case <-ticker.C:
		case <-trigger:
		}
		if err := s.Sync(ctx, onRemoteChange); err != nil {
			var mergeErr *types.GitMergeError
			if errors.As(err, &mergeErr) {
				s.logger.Error().Str("dir", s.dir).Msg("merging the new changes in the git repository failed, inspect the working directory")
			}
			s.logger.Error().Err(err).Msg("directory sync cycle failed")
		}
	}
}
