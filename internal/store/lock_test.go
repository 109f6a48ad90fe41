package store

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/mailforge/o365migrate/internal/migrateerr"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h, err := s.AcquireLock("a-record", time.Second)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := s.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Should be free to acquire again immediately.
	h2, err := s.AcquireLock("a-record", time.Second)
	if err != nil {
		t.Fatalf("second AcquireLock: %v", err)
	}
	if err := s.Release(h2); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireLock_TimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := s.lockPath("contended")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+":other-instance"), filePerm); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	_, err = s.AcquireLock("contended", 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := migrateerr.KindOf(err); got != migrateerr.LockTimeout {
		t.Errorf("expected LockTimeout, got %v", got)
	}
}

func TestAcquireLock_ReclaimsStaleOwner(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// PID 0 is never a live process owner under isProcessLive's contract.
	path := s.lockPath("stale")
	if err := os.WriteFile(path, []byte("0:dead-instance"), filePerm); err != nil {
		t.Fatalf("seed stale lock file: %v", err)
	}

	h, err := s.AcquireLock("stale", time.Second)
	if err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got: %v", err)
	}
	if err := s.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestWithLock_SerializesInProcess(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- s.withLock("counter-race", func() error {
				return s.IncrementCounter("race_total", 1)
			})
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("withLock: %v", err)
		}
	}

	v, err := s.ReadCounter("race_total")
	if err != nil {
		t.Fatalf("ReadCounter: %v", err)
	}
	if v != n {
		t.Errorf("got %d, want %d", v, n)
	}
}
