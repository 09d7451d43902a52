//go:build !unix

package storage

import "os"

// openNoFollow falls back to a plain open on platforms with no
// O_NOFOLLOW-equivalent. Per spec this is the documented best-effort
// downgrade; callers that need fail-closed behaviour on such a platform
// must rely on the preceding symlink-component check instead.
func openNoFollow(path string, flag int, mode os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, mode)
}

const haveNoFollow = false
