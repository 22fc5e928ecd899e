// Package atomicfile replaces files so readers see either the old or the new
// contents in full, never a partial write.
package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// WriteFile writes r to a temp file next to path, syncs it, applies mode and
// renames it over path.
func WriteFile(path string, r io.Reader, mode os.FileMode) error {
	return write(path, r, mode, nil)
}

// ReplaceFile is WriteFile keeping the mode and, where permitted, the owner
// of orig, the FileInfo of the file being replaced.
func ReplaceFile(path string, r io.Reader, orig os.FileInfo) error {
	return write(path, r, orig.Mode().Perm(), orig)
}

func write(path string, r io.Reader, mode os.FileMode, orig os.FileInfo) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	if orig != nil {
		if st, ok := orig.Sys().(*syscall.Stat_t); ok {
			// Only root may give a file away; a failed chown keeps our owner.
			_ = os.Chown(tmp.Name(), int(st.Uid), int(st.Gid))
		}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
