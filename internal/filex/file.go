// Package filex probes the local filesystem on behalf of the upload
// pipeline: modification times, sizes, lock detection and case-clash checks.
package filex

import (
	"os"
	"path/filepath"
	"strings"
)

// ModTime returns the file's modification time in Unix seconds.
func ModTime(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.ModTime().Unix(), nil
}

// Size returns the file's size in bytes.
func Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Exists reports whether path refers to an existing file or directory.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// VerifyUnchanged reports whether the file at path still has the given size
// and modification time (Unix seconds). A missing file counts as changed.
func VerifyUnchanged(path string, size int64, modtime int64) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Size() == size && fi.ModTime().Unix() == modtime
}

// HasCaseClash reports whether the parent directory of path holds another
// entry whose name differs from path's base name only in case. Such files
// cannot be synced reliably against case-insensitive filesystems.
func HasCaseClash(path string) bool {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	for _, e := range entries {
		name := e.Name()
		if name != base && strings.EqualFold(name, base) {
			return true
		}
	}
	return false
}

// Rename moves a file, used to strip problematic characters from names
// before upload.
func Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}
