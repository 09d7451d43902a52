// Package storage implements the atomic, symlink-resistant write
// discipline used for both the PDF and its JSON audit sidecar: write to a
// temp file in the destination directory, fsync, set mode on the open
// handle, then rename-replace onto the target.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ticketarc/ticketarc/internal/classify"
)

// Options configures a single write.
type Options struct {
	Fsync bool
	Mode  os.FileMode
}

// DefaultOptions mirrors the spec's default mode and fsync-on.
func DefaultOptions() Options {
	return Options{Fsync: true, Mode: 0o640}
}

// WriteAtomic writes bytes to root/relPath using the full atomic
// protocol: re-validate containment, reject symlinked path components,
// create parent directories, write via a temp file, fsync, chmod the open
// handle, rename-replace, and best-effort fsync the directory. Returns the
// absolute written path.
func WriteAtomic(root, relPath string, data []byte, opts Options) (string, error) {
	abs, dir, err := resolveAndCheck(root, relPath)
	if err != nil {
		return "", err
	}

	if err := rejectSymlinkComponents(root, dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", classify.WrapTransient(classify.CodeStorage, "failed to create destination directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(abs)+"-*")
	if err != nil {
		return "", classify.WrapTransient(classify.CodeStorage, "failed to create temp file", err)
	}
	tmpPath := tmp.Name()

	if err := writeAndFinalize(tmp, data, opts); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, abs); err != nil {
		if rmErr := os.Remove(tmpPath); rmErr != nil {
			return "", classify.WrapPermanent(classify.CodeStorage, fmt.Sprintf("rename failed and temp file cleanup also failed: %v", rmErr), err)
		}
		return "", classify.WrapTransient(classify.CodeStorage, "failed to rename temp file onto target", err)
	}

	fsyncDirBestEffort(dir)

	return abs, nil
}

func writeAndFinalize(tmp *os.File, data []byte, opts Options) error {
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return classify.WrapTransient(classify.CodeStorage, "failed to write bytes", err)
	}
	if opts.Fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return classify.WrapTransient(classify.CodeStorage, "fsync failed", err)
		}
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o640
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return classify.WrapTransient(classify.CodeStorage, "chmod on open handle failed", err)
	}
	if err := tmp.Close(); err != nil {
		return classify.WrapTransient(classify.CodeStorage, "failed to close temp file", err)
	}
	return nil
}

// WriteDirect is the non-atomic variant: it opens (or truncates) the
// target path directly and writes. Used for tests and explicit opt-out;
// it still enforces root containment and symlink rejection.
func WriteDirect(root, relPath string, data []byte, opts Options) (string, error) {
	abs, dir, err := resolveAndCheck(root, relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", classify.WrapTransient(classify.CodeStorage, "failed to create destination directory", err)
	}
	if err := rejectSymlinkComponents(root, dir); err != nil {
		return "", err
	}

	mode := opts.Mode
	if mode == 0 {
		mode = 0o640
	}
	f, err := openNoFollow(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return "", classify.WrapTransient(classify.CodeStorage, "failed to open target file", err)
	}
	if err := writeAndFinalize(f, data, opts); err != nil {
		return "", err
	}
	return abs, nil
}

func resolveAndCheck(root, relPath string) (abs string, dir string, err error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", "", classify.WrapPermanent(classify.CodePathPolicy, "could not resolve storage root", err)
	}
	abs = filepath.Join(absRoot, relPath)
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", classify.NewPermanent(classify.CodePathPolicy, "resolved write target escapes the storage root")
	}
	return abs, filepath.Dir(abs), nil
}

// rejectSymlinkComponents walks every path component between root and dir
// and fails closed if any is a symlink.
func rejectSymlinkComponents(root, dir string) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return classify.WrapPermanent(classify.CodePathPolicy, "could not compute relative path for symlink check", err)
	}
	if rel == "." {
		return checkNotSymlink(root)
	}

	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		if err := checkNotSymlink(current); err != nil {
			return err
		}
	}
	return nil
}

func checkNotSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return classify.WrapTransient(classify.CodeStorage, "failed to stat path component", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return classify.NewPermanent(classify.CodePathPolicy, fmt.Sprintf("path component %q is a symlink", path))
	}
	return nil
}

func fsyncDirBestEffort(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
