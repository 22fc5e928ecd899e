package install

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"nginx-module-rebuild/src/pkg/failure"
)

const lockFile = ".nginx-module-rebuild.lock"

// Lock is an exclusive advisory lock on a module directory. Only one run
// may install into a directory (and edit its nginx.conf) at a time.
type Lock struct {
	f *os.File
}

// Acquire takes the lock without waiting. A lock held by another process
// fails with failure.ErrLocked.
func Acquire(moduleDir string) (*Lock, error) {
	if err := os.MkdirAll(moduleDir, 0755); err != nil {
		return nil, failure.Wrap(failure.ErrInstall, err, "cannot create module directory")
	}
	path := filepath.Join(moduleDir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, failure.Wrap(failure.ErrInstall, err, "cannot open %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, failure.New(failure.ErrLocked, "another rebuild holds %s", path)
		}
		return nil, failure.Wrap(failure.ErrInstall, err, "cannot lock %s", path)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return &Lock{f: f}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	defer func() { l.f = nil }()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
