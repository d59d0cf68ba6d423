//go:build unix

package filex

import (
	"os"

	"golang.org/x/sys/unix"
)

// IsLocked reports whether another process holds an exclusive lock on the
// file. Best effort: a file we cannot open for reading does not count as
// locked here, only one that refuses a non-blocking shared flock.
func IsLocked(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return true
	}
	if err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}
	return false
}
