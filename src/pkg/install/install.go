// Package install swaps freshly built modules into the live module
// directory, snapshotting whatever they replace.
package install

import (
	"os"
	"path/filepath"
	"time"

	cp "github.com/otiai10/copy"

	"nginx-module-rebuild/src/pkg/atomicfile"
	"nginx-module-rebuild/src/pkg/build"
	"nginx-module-rebuild/src/pkg/failure"
)

// ArtifactMode is the mode every installed module gets.
const ArtifactMode os.FileMode = 0644

// Installed is one artifact now live in the module directory.
type Installed struct {
	Module string
	Path   string
	Size   int64
}

type Installer struct {
	ModuleDir string
	Now       func() time.Time
}

func New(moduleDir string) *Installer {
	return &Installer{ModuleDir: moduleDir, Now: time.Now}
}

// Install snapshots every artifact that is about to be overwritten, then
// copies the new ones in. The snapshot is nil when nothing was installed
// before. On error the snapshot, if any, is still returned.
func (i *Installer) Install(artifacts []build.Artifact) (*Snapshot, []Installed, error) {
	if err := os.MkdirAll(i.ModuleDir, 0755); err != nil {
		return nil, nil, failure.Wrap(failure.ErrInstall, err, "cannot create module directory")
	}

	var prior []string
	for _, a := range artifacts {
		live := filepath.Join(i.ModuleDir, a.Name)
		if info, err := os.Stat(live); err == nil && info.Mode().IsRegular() {
			prior = append(prior, a.Name)
		} else if err != nil && !os.IsNotExist(err) {
			return nil, nil, failure.Wrap(failure.ErrInstall, err, "cannot inspect %s", live)
		}
	}

	var snap *Snapshot
	if len(prior) > 0 {
		var err error
		snap, err = i.snapshot(prior)
		if err != nil {
			return snap, nil, err
		}
	}

	installed := make([]Installed, 0, len(artifacts))
	for _, a := range artifacts {
		dst := filepath.Join(i.ModuleDir, a.Name)
		if err := installFile(a.Path, dst, ArtifactMode); err != nil {
			return snap, installed, failure.Wrap(failure.ErrInstall, err, "install %s", a.Name)
		}
		info, err := os.Stat(dst)
		if err != nil {
			return snap, installed, failure.Wrap(failure.ErrInstall, err, "stat %s", dst)
		}
		installed = append(installed, Installed{Module: a.Module, Path: dst, Size: info.Size()})
	}
	return snap, installed, nil
}

func (i *Installer) snapshot(names []string) (*Snapshot, error) {
	now := i.Now()
	dir, err := NextSnapshotDir(i.ModuleDir, now)
	if err != nil {
		return nil, failure.Wrap(failure.ErrInstall, err, "cannot pick a snapshot directory")
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, failure.Wrap(failure.ErrInstall, err, "cannot create snapshot %s", dir)
	}

	snap := &Snapshot{Dir: dir, CreatedAt: now}
	for _, name := range names {
		src := filepath.Join(i.ModuleDir, name)
		if err := cp.Copy(src, filepath.Join(dir, name), cp.Options{Sync: true, PreserveTimes: true}); err != nil {
			return snap, failure.Wrap(failure.ErrInstall, err, "back up %s", src)
		}
		snap.Files = append(snap.Files, name)
	}
	return snap, nil
}

// installFile copies src over dst atomically with the given mode.
func installFile(src string, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return atomicfile.WriteFile(dst, in, mode)
}
