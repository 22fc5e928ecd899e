// Package build re-runs nginx's configure with the installed binary's
// original arguments plus the module registrations, then compiles only the
// dynamic modules.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/hashicorp/go-multierror"

	"nginx-module-rebuild/src/pkg/failure"
	"nginx-module-rebuild/src/pkg/fetch"
	"nginx-module-rebuild/src/pkg/runner"
)

const (
	// ModulesTarget builds the .so files without relinking the nginx binary.
	ModulesTarget = "modules"

	configureLog = "configure.log"
	buildLog     = "build.log"
)

// Artifact is a compiled module ready to install.
type Artifact struct {
	Module string
	Name   string
	Path   string
	Size   int64
}

// Tool is the external build system.
type Tool interface {
	Configure(ctx context.Context, srcDir string, args []string) (runner.Result, error)
	Make(ctx context.Context, srcDir string, target string, jobs int) (runner.Result, error)
}

// MakeTool drives ./configure and make through a runner.
type MakeTool struct {
	Runner runner.Runner
}

func (m MakeTool) Configure(ctx context.Context, srcDir string, args []string) (runner.Result, error) {
	return m.Runner.Run(ctx, runner.Command{Name: "./configure", Args: args, Dir: srcDir})
}

func (m MakeTool) Make(ctx context.Context, srcDir string, target string, jobs int) (runner.Result, error) {
	return m.Runner.Run(ctx, runner.Command{Name: "make", Args: []string{fmt.Sprintf("-j%d", jobs), target}, Dir: srcDir})
}

// ConfigureArgs appends one --add-dynamic-module per source to the original
// flag tokens. Nothing else is added, removed or reordered.
func ConfigureArgs(flags []string, sources []fetch.Source) []string {
	args := make([]string, 0, len(flags)+len(sources))
	args = append(args, flags...)
	for _, src := range OrderByDependency(sources) {
		args = append(args, "--add-dynamic-module="+src.Dir)
	}
	return args
}

// OrderByDependency moves each module after the one it depends on, keeping
// the given order otherwise.
func OrderByDependency(sources []fetch.Source) []fetch.Source {
	byName := make(map[string]fetch.Source, len(sources))
	for _, s := range sources {
		byName[s.Module.Name] = s
	}

	ordered := make([]fetch.Source, 0, len(sources))
	placed := make(map[string]bool, len(sources))
	var place func(s fetch.Source, visiting map[string]bool)
	place = func(s fetch.Source, visiting map[string]bool) {
		if placed[s.Module.Name] || visiting[s.Module.Name] {
			return
		}
		visiting[s.Module.Name] = true
		if dep, ok := byName[s.Module.DependsOn]; ok {
			place(dep, visiting)
		}
		placed[s.Module.Name] = true
		ordered = append(ordered, s)
	}
	for _, s := range sources {
		place(s, map[string]bool{})
	}
	return ordered
}

type Driver struct {
	Tool     Tool
	Jobs     int
	TailSize int
	// LogDir receives configure.log and build.log.
	LogDir string
}

func (d *Driver) jobs() int {
	if d.Jobs > 0 {
		return d.Jobs
	}
	return runtime.NumCPU()
}

// Run configures and builds, then checks every expected artifact is on disk.
func (d *Driver) Run(ctx context.Context, srcDir string, flags []string, sources []fetch.Source) ([]Artifact, error) {
	args := ConfigureArgs(flags, sources)

	res, err := d.Tool.Configure(ctx, srcDir, args)
	if err != nil {
		return nil, failure.Wrap(failure.ErrConfigure, err, "cannot run configure")
	}
	d.writeLog(configureLog, res)
	if !res.Success() {
		return nil, failure.WithTail(failure.ErrConfigure, res.Combined(), d.TailSize, "configure exited with status %d (see %s)", res.ExitCode, d.logPath(configureLog))
	}

	res, err = d.Tool.Make(ctx, srcDir, ModulesTarget, d.jobs())
	if err != nil {
		return nil, failure.Wrap(failure.ErrBuild, err, "cannot run make")
	}
	d.writeLog(buildLog, res)
	if !res.Success() {
		return nil, failure.WithTail(failure.ErrBuild, res.Combined(), d.TailSize, "make %s exited with status %d (see %s)", ModulesTarget, res.ExitCode, d.logPath(buildLog))
	}

	return CollectArtifacts(filepath.Join(srcDir, "objs"), sources)
}

// CollectArtifacts checks that every module's artifact exists in objsDir
// with a non-zero size. All missing artifacts are reported together.
func CollectArtifacts(objsDir string, sources []fetch.Source) ([]Artifact, error) {
	var missing *multierror.Error
	artifacts := make([]Artifact, 0, len(sources))

	for _, src := range sources {
		path := filepath.Join(objsDir, src.Module.Artifact)
		info, err := os.Stat(path)
		switch {
		case err != nil:
			missing = multierror.Append(missing, fmt.Errorf("%s: %w", src.Module.Artifact, err))
		case !info.Mode().IsRegular():
			missing = multierror.Append(missing, fmt.Errorf("%s: not a regular file", src.Module.Artifact))
		case info.Size() == 0:
			missing = multierror.Append(missing, fmt.Errorf("%s: empty file", src.Module.Artifact))
		default:
			artifacts = append(artifacts, Artifact{
				Module: src.Module.Name,
				Name:   src.Module.Artifact,
				Path:   path,
				Size:   info.Size(),
			})
		}
	}

	if err := missing.ErrorOrNil(); err != nil {
		return nil, failure.Wrap(failure.ErrArtifactMissing, err, "build reported success but artifacts are missing in %s", objsDir)
	}
	return artifacts, nil
}

func (d *Driver) logPath(name string) string {
	if d.LogDir == "" {
		return name
	}
	return filepath.Join(d.LogDir, name)
}

// writeLog keeps the tool output for postmortem. Failing to write it does
// not change the outcome of the stage.
func (d *Driver) writeLog(name string, res runner.Result) {
	if d.LogDir == "" {
		return
	}
	_ = os.WriteFile(d.logPath(name), []byte(res.Combined()), 0644)
}
