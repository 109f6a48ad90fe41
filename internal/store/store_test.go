package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_CreatesLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, d := range []string{dirLocks, dirJobs, dirProcessed, dirFolders, dirMsgCache} {
		if fi, err := os.Stat(filepath.Join(dir, d)); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s to exist", d)
		}
	}
	if s.msgCache == nil {
		t.Fatal("expected message cache to be initialized")
	}
}

func TestWriteAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "value")
	if err := writeAtomic(path, []byte("hello"), filePerm); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	data, err := readOrEmpty(path)
	if err != nil {
		t.Fatalf("readOrEmpty: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want %q", data, "hello")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be gone after rename")
	}
}

func TestReadOrEmpty_Missing(t *testing.T) {
	dir := t.TempDir()
	data, err := readOrEmpty(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatalf("readOrEmpty: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty result, got %q", data)
	}
}

func TestReset_ClearsStateButRestoresLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.IncrementCounter("total_messages", 3); err != nil {
		t.Fatalf("IncrementCounter: %v", err)
	}
	if err := s.PutMessageState("Inbox", "abc", StateUploaded); err != nil {
		t.Fatalf("PutMessageState: %v", err)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	v, err := s.ReadCounter("total_messages")
	if err != nil {
		t.Fatalf("ReadCounter: %v", err)
	}
	if v != 0 {
		t.Errorf("expected counter reset to 0, got %d", v)
	}

	state, err := s.GetMessageState("Inbox", "abc")
	if err != nil {
		t.Fatalf("GetMessageState: %v", err)
	}
	if state != StateUnknown {
		t.Errorf("expected state reset to unknown, got %v", state)
	}

	for _, d := range []string{dirLocks, dirJobs, dirProcessed, dirFolders, dirMsgCache} {
		if fi, err := os.Stat(filepath.Join(dir, d)); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s to be recreated after reset", d)
		}
	}
}
