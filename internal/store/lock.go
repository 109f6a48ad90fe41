package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

// instanceID disambiguates this process from others that happen to reuse
// the same PID across host reboots; combined with the OS PID it forms the
// lock owner identity (spec §3 "Lock"). Generated once per process.
var instanceID = uuid.NewString()

// LockHandle is the ownership handle returned by AcquireLock. Release is
// guaranteed safe to call exactly once; a zero-value handle releases
// nothing.
type LockHandle struct {
	name string
	path string
	mu   *sync.Mutex // in-process mutex guarding the same name
}

// lockPath returns the on-disk path for a named lock (spec §6: stats/locks/*.lock).
func (s *Store) lockPath(name string) string {
	return s.path(dirLocks, name+".lock")
}

// inProcLock serializes acquisition attempts for the same name within this
// process; the create-exclusive file handles cross-process exclusion.
var (
	inProcMu    sync.Mutex
	inProcLocks = make(map[string]*sync.Mutex)
)

func inProcLockFor(name string) *sync.Mutex {
	inProcMu.Lock()
	defer inProcMu.Unlock()
	m, ok := inProcLocks[name]
	if !ok {
		m = &sync.Mutex{}
		inProcLocks[name] = m
	}
	return m
}

// ownerLive reports whether pid still refers to a running process.
func ownerLive(owner string) bool {
	parts := strings.SplitN(owner, ":", 2)
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	return isProcessLive(pid)
}

// AcquireLock acquires the named advisory lock, polling every 100ms until
// timeout elapses (spec §4.1). Stale locks (whose owner process is no
// longer live) are forcibly removed and acquisition retried immediately.
func (s *Store) AcquireLock(name string, timeout time.Duration) (*LockHandle, error) {
	if timeout <= 0 {
		timeout = s.lockTimeout
	}
	mu := inProcLockFor(name)
	mu.Lock()

	path := s.lockPath(name)
	owner := fmt.Sprintf("%d:%s", os.Getpid(), instanceID)
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if err == nil {
			_, werr := f.WriteString(owner)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				mu.Unlock()
				return nil, migrateerr.New(migrateerr.Internal, "store.AcquireLock", fmt.Errorf("write owner: write=%v close=%v", werr, cerr))
			}
			return &LockHandle{name: name, path: path, mu: mu}, nil
		}
		if !os.IsExist(err) {
			mu.Unlock()
			return nil, migrateerr.New(migrateerr.Internal, "store.AcquireLock", err)
		}

		// Lock file exists: check for a stale owner.
		if data, rerr := os.ReadFile(path); rerr == nil {
			if !ownerLive(string(data)) {
				_ = os.Remove(path)
				continue // retry immediately; no need to wait out the poll interval
			}
		}

		if time.Now().After(deadline) {
			mu.Unlock()
			return nil, migrateerr.New(migrateerr.LockTimeout, "store.AcquireLock", fmt.Errorf("lock %q held after %s", name, timeout))
		}
		time.Sleep(s.pollInterval)
	}
}

// Release releases a lock handle previously returned by AcquireLock. It is
// a no-op on a nil or zero-value handle.
func (s *Store) Release(h *LockHandle) error {
	if h == nil || h.mu == nil {
		return nil
	}
	defer h.mu.Unlock()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return migrateerr.New(migrateerr.Internal, "store.Release", err)
	}
	return nil
}

// withLock runs fn while holding the named lock, retrying lock acquisition
// up to maxRetries times on LOCK_TIMEOUT, pausing one poll interval between
// attempts (spec §7).
func (s *Store) withLock(name string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		h, err := s.AcquireLock(name, s.lockTimeout)
		if err != nil {
			lastErr = err
			if migrateerr.KindOf(err) == migrateerr.LockTimeout {
				time.Sleep(s.pollInterval)
				continue
			}
			return err
		}
		err = fn()
		relErr := s.Release(h)
		if err != nil {
			return err
		}
		if relErr != nil {
			return relErr
		}
		return nil
	}
	return lastErr
}

// lockNameForRecord builds a flat lock file name (spec §6: locks/*.lock is
// a flat list) scoped to a record kind + key, so that unrelated records
// never contend on the same lock.
func lockNameForRecord(kind, key string) string {
	sanitized := strings.ReplaceAll(key, "/", "_")
	return kind + "_" + sanitized
}
