// Package safefile reads and writes config, key and log files without
// following symlinks. Reads are size capped.
package safefile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	ErrSymlink  = errors.New("symbolic link rejected")
	ErrTooLarge = errors.New("file too large")
)

// RejectSymlink fails with ErrSymlink when path itself is a symbolic link.
// A missing path returns the fs.ErrNotExist error from Lstat.
func RejectSymlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("%s: %w", path, ErrSymlink)
	}
	return nil
}

// ReadFileMax reads path unless it is a symlink or larger than maxBytes.
func ReadFileMax(path string, maxBytes int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrSymlink)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("%s: %w (%d bytes, max %d)", path, ErrTooLarge, info.Size(), maxBytes)
	}
	return os.ReadFile(path)
}

// WriteFile replaces path atomically: data goes to a synced temp file in the
// same directory which is then renamed over path. An existing symlink at
// path is refused rather than replaced.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := RejectSymlink(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return os.Rename(name, path)
}
