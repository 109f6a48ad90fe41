package store

import "testing"

func TestIncrementAndReadCounter(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if v, err := s.ReadCounter("total_messages"); err != nil || v != 0 {
		t.Fatalf("expected absent counter to read 0, got %d, err=%v", v, err)
	}

	if err := s.IncrementCounter("total_messages", 5); err != nil {
		t.Fatalf("IncrementCounter: %v", err)
	}
	if err := s.IncrementCounter("total_messages", -2); err != nil {
		t.Fatalf("IncrementCounter: %v", err)
	}

	v, err := s.ReadCounter("total_messages")
	if err != nil {
		t.Fatalf("ReadCounter: %v", err)
	}
	if v != 3 {
		t.Errorf("got %d, want 3", v)
	}
}

func TestFolderCounters_Independent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.IncrementFolderCounter("Inbox/Archive", FolderCount, 10); err != nil {
		t.Fatalf("IncrementFolderCounter: %v", err)
	}
	if err := s.IncrementFolderCounter("Inbox/Archive", FolderFailed, 1); err != nil {
		t.Fatalf("IncrementFolderCounter: %v", err)
	}
	if err := s.IncrementFolderCounter("Sent", FolderCount, 4); err != nil {
		t.Fatalf("IncrementFolderCounter: %v", err)
	}

	count, err := s.ReadFolderCounter("Inbox/Archive", FolderCount)
	if err != nil || count != 10 {
		t.Errorf("Inbox/Archive count = %d, err=%v, want 10", count, err)
	}
	failed, err := s.ReadFolderCounter("Inbox/Archive", FolderFailed)
	if err != nil || failed != 1 {
		t.Errorf("Inbox/Archive failed = %d, err=%v, want 1", failed, err)
	}
	sent, err := s.ReadFolderCounter("Sent", FolderCount)
	if err != nil || sent != 4 {
		t.Errorf("Sent count = %d, err=%v, want 4", sent, err)
	}
}

func TestListFolderPaths(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.IncrementFolderCounter("Inbox/Archive", FolderCount, 1); err != nil {
		t.Fatalf("IncrementFolderCounter: %v", err)
	}
	if err := s.IncrementFolderCounter("Sent", FolderCount, 1); err != nil {
		t.Fatalf("IncrementFolderCounter: %v", err)
	}

	paths, err := s.ListFolderPaths()
	if err != nil {
		t.Fatalf("ListFolderPaths: %v", err)
	}
	want := map[string]bool{"Inbox/Archive": true, "Sent": true}
	if len(paths) != len(want) {
		t.Fatalf("got %v, want keys of %v", paths, want)
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("unexpected folder path %q", p)
		}
	}
}
