// Package fsutil provides the durable file writes used by the file store and
// config.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TmpPrefix names the temporary files a write leaves behind if the
// process dies before the rename.
const TmpPrefix = ".custody-tmp-"

// ErrExists is returned by WriteOnce when the target already exists.
var ErrExists = errors.New("fsutil: file exists")

// AtomicWrite writes data to a temporary file, fsyncs, then renames to target path.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, TmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("atomic write create tmp: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("atomic write chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("atomic write fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic write close: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic write rename: %w", err)
	}
	if err := FsyncDir(dir); err != nil {
		return fmt.Errorf("atomic write fsync dir: %w", err)
	}

	success = true
	return nil
}

// WriteOnce atomically publishes data at path and fails with ErrExists if
// something is already there. The hard link is the publish step, so a
// concurrent writer can never replace an existing file.
func WriteOnce(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, TmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("write once create tmp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write once: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("write once chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write once fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write once close: %w", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return fmt.Errorf("write once link: %w", err)
	}
	return FsyncDir(dir)
}

// FsyncDir fsyncs a directory to ensure rename visibility is durable.
func FsyncDir(dirPath string) error {
	d, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
