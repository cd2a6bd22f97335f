package gitsync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/types"
)

const (
	lockFileName = "canopy.lock"
	// encryptionMarkerFile marks an encrypted repository; peers without the
	// key leave the content opaque.
	encryptionMarkerFile = ".db_encryption_enabled"

	lockRetryInterval = 10 * time.Second
	lockRetries       = 5
)

// Syncer drives the directory sync for one repository.
type Syncer struct {
	db     *store.DB
	cfg    config.GitConfig
	dir    string
	logger zerolog.Logger
}

func New(db *store.DB, cfg config.GitConfig, dir string) *Syncer {
	return &Syncer{
		db:     db,
		cfg:    cfg,
		dir:    dir,
		logger: log.WithComponent("gitsync"),
	}
}

// git runs one git command in the working directory and returns its
// combined output.
func (s *Syncer) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, &types.CalledProcessError{Args: args, Output: output, Err: err}
	}
	s.logger.Debug().Strs("args", args).Str("output", output).Msg("git")
	return output, nil
}

// lockRepo takes the repository advisory lock, retrying over the configured
// window before giving up.
func (s *Syncer) lockRepo() (*flock.Flock, error) {
	lockPath := filepath.Join(s.dir, ".git", lockFileName)
	lock := flock.New(lockPath)
	for try := 1; ; try++ {
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking repository: %w", err)
		}
		if locked {
			return lock, nil
		}
		if try == lockRetries {
			return nil, &types.LockNotAcquiredError{Path: lockPath}
		}
		time.Sleep(lockRetryInterval)
	}
}

// onBranch runs fn on the configured branch, stashing and restoring any
// other checked-out branch around it.
func (s *Syncer) onBranch(ctx context.Context, fn func() error) error {
	current, err := s.git(ctx, "branch", "--show-current")
	if err != nil {
		return err
	}
	restore := ""
	if current != s.cfg.Branch {
		restore = current
		if _, err := s.git(ctx, "stash"); err != nil {
			return err
		}
		if _, err := s.git(ctx, "switch", "-c", s.cfg.Branch); err != nil {
			if _, err := s.git(ctx, "switch", s.cfg.Branch); err != nil {
				return err
			}
		}
	}
	runErr := fn()
	if restore != "" {
		if _, err := s.git(ctx, "checkout", restore); err != nil {
			return err
		}
		if _, err := s.git(ctx, "stash", "pop"); err != nil {
			return err
		}
	}
	return runErr
}

// EnsureRepo initializes the working directory on first use: init, branch,
// initial pull, merge attributes and commit identity.
func (s *Syncer) EnsureRepo(ctx context.Context, client types.Client) error {
	if _, err := s.git(ctx, "rev-parse", "--is-inside-work-tree"); err == nil {
		return nil
	}
	if _, err := s.git(ctx, "init"); err != nil {
		return err
	}
	if _, err := s.git(ctx, "checkout", "-b", s.cfg.Branch); err != nil {
		return err
	}
	if remote := s.cfg.PushRemote(); remote != "" {
		if _, err := s.git(ctx, "pull", remote, s.cfg.Branch); err != nil {
			s.logger.Warn().Err(err).Str("branch", s.cfg.Branch).Msg("could not pull repository")
		}
	}

	if _, err := s.git(ctx, "config", "user.name", client.ClientName); err != nil {
		return err
	}
	if _, err := s.git(ctx, "config", "user.email", client.ClientID+"@canopy.client"); err != nil {
		return err
	}

	attributesPath := filepath.Join(s.dir, ".gitattributes")
	if _, err := os.Stat(attributesPath); os.IsNotExist(err) {
		attributes := "*.md merge=union\n* text=auto eol=lf\n"
		if err := os.WriteFile(attributesPath, []byte(attributes), 0o644); err != nil {
			return fmt.Errorf("writing .gitattributes: %w", err)
		}
		if _, err := s.git(ctx, "add", "-A"); err != nil {
			return err
		}
		if _, err := s.git(ctx, "commit", "-m", "bootstrap"); err != nil {
			return err
		}
	}
	return nil
}

// RepositoryEncrypted reports whether the repository carries the
// encryption marker file.
func (s *Syncer) RepositoryEncrypted() bool {
	_, err := os.Stat(filepath.Join(s.dir, encryptionMarkerFile))
	return err == nil
}
