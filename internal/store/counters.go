package store

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

const dirCounters = "." // top-level counters live directly under baseDir, per spec §6

// IncrementCounter atomically adds delta to the named counter (spec §4.1).
// Counters are plain-ASCII-integer files (spec §6), read-modify-written
// under the counter's own lock so concurrent writers never lose an update.
func (s *Store) IncrementCounter(name string, delta int64) error {
	path := s.path(name)
	return s.withLock(lockNameForRecord("counter", name), func() error {
		cur, err := readCounterFile(path)
		if err != nil {
			return migrateerr.New(migrateerr.Internal, "store.IncrementCounter", err)
		}
		return writeAtomic(path, []byte(strconv.FormatInt(cur+delta, 10)), filePerm)
	})
}

// ReadCounter returns the current value of name, or 0 if absent. Readers
// never take locks (spec §4.1).
func (s *Store) ReadCounter(name string) (int64, error) {
	v, err := readCounterFile(s.path(name))
	if err != nil {
		return 0, migrateerr.New(migrateerr.Internal, "store.ReadCounter", err)
	}
	return v, nil
}

func readCounterFile(path string) (int64, error) {
	data, err := readOrEmpty(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, nil // corrupt/partial read treated as absent; server-side reconciliation is the safety net
	}
	return v, nil
}

// FolderCounterKind names one of the four per-folder counters kept under
// stats/folders/<folder-path>/ (spec §6).
type FolderCounterKind string

const (
	FolderCount   FolderCounterKind = "count"
	FolderSize    FolderCounterKind = "size"
	FolderSkipped FolderCounterKind = "skipped"
	FolderFailed  FolderCounterKind = "failed"
)

// IncrementFolderCounter atomically adds delta to one of a folder's four
// counters.
func (s *Store) IncrementFolderCounter(folderPath string, kind FolderCounterKind, delta int64) error {
	path := s.path(dirFolders, folderPath, string(kind))
	return s.withLock(lockNameForRecord("folder-counter", folderPath+"-"+string(kind)), func() error {
		cur, err := readCounterFile(path)
		if err != nil {
			return migrateerr.New(migrateerr.Internal, "store.IncrementFolderCounter", err)
		}
		return writeAtomic(path, []byte(strconv.FormatInt(cur+delta, 10)), filePerm)
	})
}

// ReadFolderCounter returns a folder's counter value, or 0 if absent.
func (s *Store) ReadFolderCounter(folderPath string, kind FolderCounterKind) (int64, error) {
	v, err := readCounterFile(s.path(dirFolders, folderPath, string(kind)))
	if err != nil {
		return 0, migrateerr.New(migrateerr.Internal, "store.ReadFolderCounter", err)
	}
	return v, nil
}

// ListFolderPaths returns the relative paths of every folder that has
// recorded counters, used by §8's counter-consistency check and the
// status stage's summary.
func (s *Store) ListFolderPaths() ([]string, error) {
	root := s.path(dirFolders)
	var abs []string
	if err := walkRelative(root, &abs); err != nil {
		return nil, migrateerr.New(migrateerr.Internal, "store.ListFolderPaths", err)
	}
	paths := make([]string, len(abs))
	for i, a := range abs {
		rel, err := filepath.Rel(root, a)
		if err != nil {
			return nil, migrateerr.New(migrateerr.Internal, "store.ListFolderPaths", err)
		}
		paths[i] = filepath.ToSlash(rel)
	}
	return paths, nil
}
