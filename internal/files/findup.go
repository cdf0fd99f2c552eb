package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir toward the filesystem root looking for a file
// named name, returning its full path or "" if no ancestor directory
// contains it. Unreadable directories are treated as not containing the
// file.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err == nil {
			for _, e := range entries {
				if name == e.Name() {
					return filepath.Join(curDir, name)
				}
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
