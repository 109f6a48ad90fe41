// Package store implements the file-backed state layer described in spec
// §4.1: counters, per-message state, job statuses, folder markers, and
// advisory locks, all written via write-temp-then-rename for atomicity.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

const (
	messageCacheCapacity = 4096

	dirLocks     = "locks"
	dirJobs      = "jobs"
	dirProcessed = "processed"
	dirFolders   = "folders"
	dirMsgCache  = "message_cache"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Store is a file-backed key/value and counter store rooted at baseDir
// (the "stats/" directory of spec §6). It is safe for concurrent use by
// multiple goroutines within one process, and coordinates with other
// processes on the same host via advisory lock files.
type Store struct {
	baseDir string

	lockTimeout  time.Duration
	pollInterval time.Duration
	maxRetries   int

	msgCache *lru.Cache[string, MessageState]
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLockTimeout overrides the default 5s lock-acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithMaxRetries overrides the default lock-retry budget.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New opens (creating if necessary) a Store rooted at baseDir.
func New(baseDir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "store.New", err)
	}
	for _, d := range []string{dirLocks, dirJobs, dirProcessed, dirFolders, dirMsgCache} {
		if err := os.MkdirAll(filepath.Join(baseDir, d), dirPerm); err != nil {
			return nil, migrateerr.New(migrateerr.Internal, "store.New", err)
		}
	}

	cache, err := lru.New[string, MessageState](messageCacheCapacity)
	if err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "store.New", err)
	}

	s := &Store{
		baseDir:      baseDir,
		lockTimeout:  5 * time.Second,
		pollInterval: 100 * time.Millisecond,
		maxRetries:   5,
		msgCache:     cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// path joins the store's base directory with the given components.
func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.baseDir}, parts...)...)
}

// writeAtomic writes data to path via a temp file + rename, matching the
// idiom the teacher uses for its cache file (internal/cache/cache.go's
// Save()).
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// readOrEmpty reads path, returning an empty slice (not an error) if it
// does not exist yet. Readers never take locks (spec §4.1): stale reads
// are acceptable because the server-side check is a second line of defense.
func readOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// removeIfExists deletes path, treating a missing file as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Reset removes all state, counters, caches, and locks. Idempotent. The
// driver must ensure no stage is active before calling this (spec §4.1).
func (s *Store) Reset() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return migrateerr.New(migrateerr.Internal, "store.Reset", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.baseDir, e.Name())); err != nil {
			return migrateerr.New(migrateerr.Internal, "store.Reset", fmt.Errorf("remove %s: %w", e.Name(), err))
		}
	}
	s.msgCache.Purge()
	for _, d := range []string{dirLocks, dirJobs, dirProcessed, dirFolders, dirMsgCache} {
		if err := os.MkdirAll(filepath.Join(s.baseDir, d), dirPerm); err != nil {
			return migrateerr.New(migrateerr.Internal, "store.Reset", err)
		}
	}
	return nil
}
