package store

import (
	"os"
	"path/filepath"
)

// counterFileNames lists the leaf files that mark a directory under
// stats/folders/ as representing a migrated folder rather than a plain
// path-component directory.
var counterFileNames = map[string]bool{
	string(FolderCount):   true,
	string(FolderSize):    true,
	string(FolderSkipped): true,
	string(FolderFailed):  true,
}

// walkRelative appends to *out the slash-separated path (relative to root)
// of every directory under root that directly contains a counter file.
func walkRelative(root string, out *[]string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	hasCounterFile := false
	for _, e := range entries {
		if !e.IsDir() && counterFileNames[e.Name()] {
			hasCounterFile = true
			continue
		}
		if e.IsDir() {
			if err := walkRelative(filepath.Join(root, e.Name()), out); err != nil {
				return err
			}
		}
	}
	if hasCounterFile {
		*out = append(*out, root)
	}
	return nil
}
