package install

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	cp "github.com/otiai10/copy"
)

const snapshotPrefix = "backup_"

var snapshotPattern = regexp.MustCompile(`^backup_(\d{8}_\d{6})(?:\.(\d+))?$`)

// Snapshot is a backup of the artifacts one run replaced. It is never
// modified after the run that created it.
type Snapshot struct {
	Dir       string
	CreatedAt time.Time
	Files     []string
}

func (s *Snapshot) Name() string { return filepath.Base(s.Dir) }

// NextSnapshotDir returns backup_YYYYMMDD_HHMMSS under moduleDir, with a
// .N suffix when runs land in the same second.
func NextSnapshotDir(moduleDir string, now time.Time) (string, error) {
	base := snapshotPrefix + now.Format("20060102_150405")
	candidate := filepath.Join(moduleDir, base)
	for sequence := 2; ; sequence++ {
		_, err := os.Lstat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(moduleDir, fmt.Sprintf("%s.%d", base, sequence))
	}
}

// ListSnapshots returns the snapshots under moduleDir, oldest first.
func ListSnapshots(moduleDir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read module directory: %w", err)
	}

	type keyed struct {
		snap     Snapshot
		stamp    string
		sequence int
	}
	var found []keyed
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := snapshotPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		created, err := time.ParseInLocation("20060102_150405", m[1], time.Local)
		if err != nil {
			continue
		}
		sequence := 1
		if m[2] != "" {
			sequence, _ = strconv.Atoi(m[2])
		}

		dir := filepath.Join(moduleDir, e.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot %s: %w", dir, err)
		}
		snap := Snapshot{Dir: dir, CreatedAt: created}
		for _, f := range files {
			if f.Type().IsRegular() {
				snap.Files = append(snap.Files, f.Name())
			}
		}
		found = append(found, keyed{snap: snap, stamp: m[1], sequence: sequence})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].stamp != found[j].stamp {
			return found[i].stamp < found[j].stamp
		}
		return found[i].sequence < found[j].sequence
	})

	snaps := make([]Snapshot, 0, len(found))
	for _, k := range found {
		snaps = append(snaps, k.snap)
	}
	return snaps, nil
}

// FindSnapshot looks a snapshot up by directory name. "latest" picks the
// newest one.
func FindSnapshot(moduleDir string, name string) (*Snapshot, error) {
	snaps, err := ListSnapshots(moduleDir)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshots in %s", moduleDir)
	}
	if name == "latest" {
		return &snaps[len(snaps)-1], nil
	}
	for i := range snaps {
		if snaps[i].Name() == name {
			return &snaps[i], nil
		}
	}
	return nil, fmt.Errorf("snapshot %q not found in %s", name, moduleDir)
}

// Restore copies every file of snap back into moduleDir. It keeps going
// past individual failures and reports them all.
func Restore(snap *Snapshot, moduleDir string) ([]string, error) {
	var result *multierror.Error
	var restored []string
	for _, name := range snap.Files {
		if err := installFile(filepath.Join(snap.Dir, name), filepath.Join(moduleDir, name), ArtifactMode); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			continue
		}
		restored = append(restored, name)
	}
	return restored, result.ErrorOrNil()
}

// Prune removes all but the newest keep snapshots.
func Prune(moduleDir string, keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative")
	}
	snaps, err := ListSnapshots(moduleDir)
	if err != nil {
		return nil, err
	}
	if len(snaps) <= keep {
		return nil, nil
	}

	var result *multierror.Error
	var removed []string
	for _, s := range snaps[:len(snaps)-keep] {
		if err := os.RemoveAll(s.Dir); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed = append(removed, s.Name())
	}
	return removed, result.ErrorOrNil()
}

// Export copies snap to dest, e.g. to keep it off-host before pruning.
func Export(snap *Snapshot, dest string) error {
	return cp.Copy(snap.Dir, filepath.Join(dest, snap.Name()), cp.Options{PreserveTimes: true})
}
