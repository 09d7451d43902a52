//go:build unix

package storage

import (
	"os"
	"syscall"
)

// openNoFollow opens path refusing to follow a trailing symlink, using the
// platform's O_NOFOLLOW flag.
func openNoFollow(path string, flag int, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag|syscall.O_NOFOLLOW, mode)
}

const haveNoFollow = true
