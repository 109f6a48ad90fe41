// Package walker recursively enumerates the source mailbox's folder
// hierarchy (download stage, via sourceclient) and the local content
// store's folder hierarchy (upload stage, via the filesystem), capping
// depth and pacing requests between siblings (spec §4.4).
package walker

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mailforge/o365migrate/internal/sourceclient"
)

// MaxDepth bounds folder-hierarchy recursion (spec §3, §4.4).
const MaxDepth = 10

// Node is one folder in a walk, already carrying its computed local
// relative path (spec §4.4's path-building rule).
type Node struct {
	// SourceID is the source mailbox's opaque folder ID; empty for a
	// local-filesystem walk.
	SourceID string
	// DisplayName is this folder's own name, unjoined.
	DisplayName string
	// LocalPath is the slash-separated path relative to the account root,
	// built from ancestor display names (spec §4.4).
	LocalPath string
	Depth     int
}

// VisitFunc is called once per folder, pre-order (parent before children),
// per spec §4.4: "Each folder is processed before its children."
type VisitFunc func(ctx context.Context, n Node) error

// buildLocalPath joins parentPath and name per spec §4.4: ASCII spaces in
// name become underscores, segments are "/"-joined, any resulting "//" is
// collapsed, and a trailing "/" is removed.
func buildLocalPath(parentPath, name string) string {
	sanitized := strings.ReplaceAll(name, " ", "_")
	joined := parentPath
	if joined == "" {
		joined = sanitized
	} else {
		joined = joined + "/" + sanitized
	}
	for strings.Contains(joined, "//") {
		joined = strings.ReplaceAll(joined, "//", "/")
	}
	return strings.TrimSuffix(joined, "/")
}

// SourceWalker walks the source mailbox's folder tree via a Source Client.
type SourceWalker struct {
	client       *sourceclient.Client
	requestDelay time.Duration
}

// NewSourceWalker builds a SourceWalker pacing REQUEST_DELAY between
// sibling folder listings (spec §4.4).
func NewSourceWalker(client *sourceclient.Client, requestDelay time.Duration) *SourceWalker {
	return &SourceWalker{client: client, requestDelay: requestDelay}
}

// Walk performs a pre-order traversal of the source mailbox's folders,
// starting from the root, calling visit on every folder up to MaxDepth.
// Folders below MaxDepth are neither listed nor passed to visit, and no
// warning is logged for them, neither here nor by the caller (visit never
// sees a Node deeper than MaxDepth).
func (w *SourceWalker) Walk(ctx context.Context, visit VisitFunc) error {
	roots, err := w.client.ListRootFolders(ctx)
	if err != nil {
		return err
	}
	return w.walkChildren(ctx, roots, "", 1, visit)
}

func (w *SourceWalker) walkChildren(ctx context.Context, folders []sourceclient.Folder, parentPath string, depth int, visit VisitFunc) error {
	if depth > MaxDepth {
		return nil
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].DisplayName < folders[j].DisplayName })

	for i, f := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		localPath := buildLocalPath(parentPath, f.DisplayName)
		node := Node{SourceID: f.ID, DisplayName: f.DisplayName, LocalPath: localPath, Depth: depth}
		if err := visit(ctx, node); err != nil {
			return err
		}

		if f.ChildCount > 0 && depth < MaxDepth {
			children, err := w.client.ListChildFolders(ctx, f.ID)
			if err != nil {
				return err
			}
			if err := w.walkChildren(ctx, children, localPath, depth+1, visit); err != nil {
				return err
			}
		}

		if i < len(folders)-1 {
			w.sleepBetweenSiblings(ctx)
		}
	}
	return nil
}

func (w *SourceWalker) sleepBetweenSiblings(ctx context.Context) {
	if w.requestDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.requestDelay):
	}
}

// LocalWalker walks the on-disk content store's folder hierarchy for the
// upload stage.
type LocalWalker struct {
	root         string
	requestDelay time.Duration
}

// NewLocalWalker builds a LocalWalker rooted at messages/<account>.
func NewLocalWalker(root string, requestDelay time.Duration) *LocalWalker {
	return &LocalWalker{root: root, requestDelay: requestDelay}
}

// Walk performs a pre-order traversal of the local folder tree, visiting
// every directory under root up to MaxDepth.
func (w *LocalWalker) Walk(ctx context.Context, visit VisitFunc) error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return w.walkDir(ctx, entries, "", 1, visit)
}

func (w *LocalWalker) walkDir(ctx context.Context, entries []os.DirEntry, parentPath string, depth int, visit VisitFunc) error {
	if depth > MaxDepth {
		return nil
	}
	dirs := make([]os.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name() < dirs[j].Name() })

	for i, d := range dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		localPath := buildLocalPath(parentPath, d.Name())
		node := Node{DisplayName: d.Name(), LocalPath: localPath, Depth: depth}
		if err := visit(ctx, node); err != nil {
			return err
		}

		childEntries, err := os.ReadDir(filepath.Join(w.root, filepath.FromSlash(localPath)))
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
		} else if err := w.walkDir(ctx, childEntries, localPath, depth+1, visit); err != nil {
			return err
		}

		if i < len(dirs)-1 {
			w.sleepBetweenSiblings(ctx)
		}
	}
	return nil
}

func (w *LocalWalker) sleepBetweenSiblings(ctx context.Context) {
	if w.requestDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.requestDelay):
	}
}
