package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/canopyhq/canopy/pkg/metrics"
)

const (
	dbFileName   = "canopy.db"
	lockFileName = "canopy.resize.lock"

	// initialMapSize pre-sizes the mmap so ordinary use never grows it.
	initialMapSize = 1 << 20
)

// Store is a single-writer transactional store with named tables. Reads run
// concurrently; writes are serialized by the underlying transaction model.
//
// When a write fails for want of backing space the store doubles its map
// size and reopens, guarded by a cross-process advisory lock, then the
// caller's transaction is retried.
type Store struct {
	mu      sync.Mutex
	db      *bolt.DB
	dir     string
	mapSize int
}

// Open opens (creating if needed) the store under dir and ensures every
// table exists.
func Open(dir string) (*Store, error) {
	s := &Store{dir: dir, mapSize: initialMapSize}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := bolt.Open(filepath.Join(s.dir, dbFileName), 0o600, &bolt.Options{
		Timeout:         10 * time.Second,
		InitialMmapSize: s.mapSize,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, table := range Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return fmt.Errorf("creating table %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return err
	}

	s.db = db
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return filepath.Join(s.dir, dbFileName) }

// Begin starts a transaction. Writable transactions are exclusive; the
// caller must Commit or Abort.
func (s *Store) Begin(writable bool) (*Txn, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Txn{tx: tx}, nil
}

// Update runs fn in one write transaction, committing on nil. A map-full
// failure grows the store and runs fn once more.
func (s *Store) Update(fn func(*Txn) error) error {
	err := s.update(fn)
	if err != nil && isMapFull(err) {
		if gerr := s.grow(); gerr != nil {
			return fmt.Errorf("growing store after full map: %w", gerr)
		}
		err = s.update(fn)
	}
	return err
}

func (s *Store) update(fn func(*Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, managed: true})
	})
}

// View runs fn in one read transaction.
func (s *Store) View(fn func(*Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, managed: true})
	})
}

// grow doubles the map size and reopens the database. A cross-process
// advisory lock serializes resizing between processes sharing the store.
func (s *Store) grow() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lock := flock.New(filepath.Join(s.dir, lockFileName))
	locked, err := lock.TryLockContext(ctx, time.Second)
	if err != nil {
		return fmt.Errorf("acquiring resize lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("resize lock busy")
	}
	defer lock.Unlock()

	if err := s.db.Close(); err != nil {
		return err
	}
	s.mapSize *= 2
	metrics.StoreResizes.Inc()
	return s.open()
}

func isMapFull(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "mmap allocate") || strings.Contains(msg, "file resize") ||
		strings.Contains(msg, "no space")
}

// Txn is one transaction over the store's tables.
type Txn struct {
	tx *bolt.Tx
	// managed transactions belong to Update/View closures and must not be
	// committed or aborted by hand.
	managed bool
}

func (t *Txn) bucket(table string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return b, nil
}

// Get returns a copy of the value, or nil when the key is absent.
func (t *Txn) Get(table string, key []byte) ([]byte, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Has reports key presence without copying the value.
func (t *Txn) Has(table string, key []byte) (bool, error) {
	b, err := t.bucket(table)
	if err != nil {
		return false, err
	}
	return b.Get(key) != nil, nil
}

// Put stores the value. With overwrite false an existing key is left
// untouched.
func (t *Txn) Put(table string, key, value []byte, overwrite bool) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	if !overwrite && b.Get(key) != nil {
		return nil
	}
	return b.Put(key, value)
}

// Delete removes the key. Deleting an absent key is a no-op.
func (t *Txn) Delete(table string, key []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// Iterate walks the table in key order. Returning a non-nil error from fn
// stops the walk.
func (t *Txn) Iterate(table string, fn func(key, value []byte) error) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.ForEach(fn)
}

// LastKey returns a copy of the largest key in the table, or nil when the
// table is empty.
func (t *Txn) LastKey(table string) ([]byte, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	k, _ := b.Cursor().Last()
	if k == nil {
		return nil, nil
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out, nil
}

// Commit commits an unmanaged transaction.
func (t *Txn) Commit() error {
	if t.managed {
		return fmt.Errorf("commit on managed transaction")
	}
	return t.tx.Commit()
}

// Abort rolls back an unmanaged transaction.
func (t *Txn) Abort() error {
	if t.managed {
		return fmt.Errorf("abort on managed transaction")
	}
	return t.tx.Rollback()
}

// Writable reports whether the transaction accepts writes.
func (t *Txn) Writable() bool { return t.tx.Writable() }
