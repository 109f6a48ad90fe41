package walker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildLocalPath(t *testing.T) {
	tests := []struct {
		parent, name, want string
	}{
		{"", "Inbox", "Inbox"},
		{"Inbox", "Sent Items", "Inbox/Sent_Items"},
		{"A/B", "C", "A/B/C"},
		{"", "Trailing Space ", "Trailing_Space_"},
	}
	for _, tt := range tests {
		got := buildLocalPath(tt.parent, tt.name)
		if got != tt.want {
			t.Errorf("buildLocalPath(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.want)
		}
	}
}

func TestBuildLocalPath_CollapsesDoubleSlash(t *testing.T) {
	got := buildLocalPath("A/", "B")
	if got != "A/B" {
		t.Errorf("got %q, want %q", got, "A/B")
	}
}

func TestLocalWalker_VisitsPreOrderAndRespectsDepth(t *testing.T) {
	root := t.TempDir()
	mustMkdir := func(parts ...string) {
		if err := os.MkdirAll(filepath.Join(append([]string{root}, parts...)...), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}
	mustMkdir("Inbox")
	mustMkdir("Inbox", "Archive")
	mustMkdir("Sent")

	var visited []string
	w := NewLocalWalker(root, 0)
	err := w.Walk(context.Background(), func(ctx context.Context, n Node) error {
		visited = append(visited, n.LocalPath)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := map[string]bool{"Inbox": true, "Inbox/Archive": true, "Sent": true}
	if len(visited) != len(want) {
		t.Fatalf("got %v, want keys of %v", visited, want)
	}
	for _, p := range visited {
		if !want[p] {
			t.Errorf("unexpected path %q", p)
		}
	}
	// Inbox must precede Inbox/Archive (pre-order).
	inboxIdx, archiveIdx := -1, -1
	for i, p := range visited {
		if p == "Inbox" {
			inboxIdx = i
		}
		if p == "Inbox/Archive" {
			archiveIdx = i
		}
	}
	if inboxIdx == -1 || archiveIdx == -1 || inboxIdx > archiveIdx {
		t.Errorf("expected Inbox before Inbox/Archive, got order %v", visited)
	}
}

func TestLocalWalker_MissingRootIsNotAnError(t *testing.T) {
	w := NewLocalWalker(filepath.Join(t.TempDir(), "does-not-exist"), 0)
	err := w.Walk(context.Background(), func(ctx context.Context, n Node) error {
		t.Fatal("visit should not be called for a missing root")
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
}

func TestLocalWalker_StopsAtMaxDepth(t *testing.T) {
	root := t.TempDir()
	path := root
	for i := 0; i < MaxDepth+3; i++ {
		path = filepath.Join(path, "d")
		if err := os.MkdirAll(path, 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
	}

	var maxSeenDepth int
	w := NewLocalWalker(root, 0)
	err := w.Walk(context.Background(), func(ctx context.Context, n Node) error {
		if n.Depth > maxSeenDepth {
			maxSeenDepth = n.Depth
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if maxSeenDepth > MaxDepth {
		t.Errorf("visited depth %d, want <= %d", maxSeenDepth, MaxDepth)
	}
}
