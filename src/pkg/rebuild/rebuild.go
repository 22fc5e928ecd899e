// Package rebuild runs the six stages of a module rebuild in order and stops
// at the first failure.
package rebuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"nginx-module-rebuild/src/pkg/build"
	"nginx-module-rebuild/src/pkg/console"
	"nginx-module-rebuild/src/pkg/failure"
	"nginx-module-rebuild/src/pkg/fetch"
	"nginx-module-rebuild/src/pkg/file_config"
	"nginx-module-rebuild/src/pkg/install"
	"nginx-module-rebuild/src/pkg/nginxconf"
	"nginx-module-rebuild/src/pkg/probe"
	"nginx-module-rebuild/src/pkg/runner"
	"nginx-module-rebuild/src/pkg/verify"
)

// Sources fetches the nginx tree and module checkouts. *fetch.Fetcher is
// the real one.
type Sources interface {
	DownloadServer(ctx context.Context, version string, workDir string) (string, error)
	Clone(ctx context.Context, m file_config.ModuleConfig, workDir string) (fetch.Source, error)
}

type Pipeline struct {
	Config    *file_config.Config
	Runner    runner.Runner
	Sources   Sources
	Tool      build.Tool
	Installer *install.Installer
	Verifier  *verify.Verifier
	Console   *console.Console
}

// New wires the real implementations around r.
func New(cfg *file_config.Config, r runner.Runner, out *console.Console) *Pipeline {
	return &Pipeline{
		Config:    cfg,
		Runner:    r,
		Sources:   fetch.New(r, cfg.SourceURLTemplate),
		Tool:      build.MakeTool{Runner: r},
		Installer: install.New(cfg.ModuleDir),
		Verifier:  verify.New(r, cfg.NginxBinary, cfg.ServiceName, cfg.RestartDelay),
		Console:   out,
	}
}

// Result is what a successful run did.
type Result struct {
	Version    string
	WorkDir    string
	Sources    []fetch.Source
	Installed  []install.Installed
	Snapshot   *install.Snapshot
	Reconciled nginxconf.Report
	Summary    verify.Summary
}

// Run executes the pipeline. Errors carry a failure kind; the caller maps
// them to an exit code.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res, err := p.run(ctx)
	if err != nil {
		p.Console.Error("%v", err)
		p.Console.Block(failure.TailOf(err))
		if res != nil && res.WorkDir != "" {
			p.Console.Info("work directory kept for inspection: %s", res.WorkDir)
		}
		return res, err
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context) (*Result, error) {
	cfg := p.Config
	out := p.Console
	res := &Result{}

	out.Info("run %s", out.RunID())

	lock, err := install.Acquire(cfg.ModuleDir)
	if err != nil {
		return res, err
	}
	defer lock.Release()

	out.Stage(1, "Detect nginx build")
	nginx, err := probe.Probe(ctx, p.Runner, cfg.NginxBinary)
	if err != nil {
		return res, err
	}
	flags, err := nginx.FlagTokens()
	if err != nil {
		return res, err
	}
	res.Version = nginx.Version
	out.Success("nginx %s, %d configure arguments", nginx.Version, len(flags))

	out.Stage(2, "Fetch sources")
	res.WorkDir = fetch.WorkDir(cfg.WorkRoot, nginx.Version)
	if err := fetch.Prepare(res.WorkDir); err != nil {
		return res, failure.Wrap(failure.ErrFetch, err, "cannot prepare work directory")
	}
	srcDir, err := p.Sources.DownloadServer(ctx, nginx.Version, res.WorkDir)
	if err != nil {
		return res, err
	}
	out.Success("nginx source unpacked in %s", srcDir)
	for _, m := range cfg.Modules {
		src, err := p.Sources.Clone(ctx, m, res.WorkDir)
		if err != nil {
			return res, err
		}
		res.Sources = append(res.Sources, src)
		out.Success("%s at %s", m.Name, src.Revision)
	}

	out.Stage(3, "Build dynamic modules")
	driver := &build.Driver{Tool: p.Tool, Jobs: cfg.Jobs, TailSize: cfg.LogTailLines, LogDir: res.WorkDir}
	artifacts, err := driver.Run(ctx, srcDir, flags, res.Sources)
	if err != nil {
		return res, err
	}
	for _, a := range artifacts {
		out.Success("%s (%d bytes)", a.Name, a.Size)
	}

	out.Stage(4, "Install modules")
	snap, installed, err := p.Installer.Install(artifacts)
	res.Snapshot, res.Installed = snap, installed
	if err != nil {
		return res, err
	}
	if snap != nil {
		out.Info("previous modules saved in %s", snap.Dir)
	} else {
		out.Info("no previous modules to back up")
	}
	out.Table(installTable(installed, res.Sources))

	out.Stage(5, "Enable modules in nginx.conf")
	report, err := nginxconf.ReconcileFile(cfg.NginxConf, reconcileModules(cfg))
	res.Reconciled = report
	if err != nil {
		return res, failure.Wrap(failure.ErrConfigValidation, err, "cannot update %s", cfg.NginxConf)
	}
	for _, c := range report.Changes {
		out.Success("line %d: %s", c.LineNo, c.After)
	}
	if !report.Changed() {
		out.Info("%s already up to date", cfg.NginxConf)
	}
	for _, name := range report.Missing {
		out.Warn("no load_module directive for %s in %s; add it by hand if it is not loaded elsewhere", name, cfg.NginxConf)
	}
	for _, name := range report.Duplicates {
		out.Warn("%s is loaded more than once in %s", name, cfg.NginxConf)
	}

	out.Stage(6, "Verify and start nginx")
	if err := p.Verifier.TestConfig(ctx); err != nil {
		p.remediate(res)
		return res, err
	}
	out.Success("configuration test passed")
	if err := p.Verifier.Start(ctx); err != nil {
		return res, err
	}
	out.Success("%s is active", cfg.ServiceName)

	res.Summary = p.Verifier.Summarize(ctx, cfg.NginxConf)
	p.summary(res)

	if !cfg.KeepWorkdir {
		if err := os.RemoveAll(res.WorkDir); err != nil {
			out.Warn("cannot remove %s: %v", res.WorkDir, err)
		}
	} else {
		out.Info("work directory kept: %s", res.WorkDir)
	}
	return res, nil
}

// remediate tells the operator how to recover when the new config does not
// pass nginx -t. The new modules stay installed.
func (p *Pipeline) remediate(res *Result) {
	out := p.Console
	out.Warn("the new modules are installed but nginx rejected the configuration; %s was not restarted", p.Config.ServiceName)
	if res.Snapshot != nil {
		out.Warn("previous modules: %s (module-backups restore %s)", res.Snapshot.Dir, res.Snapshot.Name())
	}
	out.Warn("fix %s by hand, then run: %s -t && systemctl restart %s", p.Config.NginxConf, p.Config.NginxBinary, p.Config.ServiceName)
}

func (p *Pipeline) summary(res *Result) {
	out := p.Console
	out.Banner(fmt.Sprintf("nginx %s modules rebuilt", res.Version))
	out.Info("active load directives:")
	out.Block(res.Summary.Directives)
	if len(res.Summary.Status) > 0 {
		out.Info("systemctl status %s:", p.Config.ServiceName)
		out.Block(res.Summary.Status)
	}
}

func installTable(installed []install.Installed, sources []fetch.Source) []string {
	revisions := make(map[string]string, len(sources))
	for _, s := range sources {
		revisions[s.Module.Name] = s.Revision
	}
	rows := []string{"MODULE | ARTIFACT | SIZE | REVISION"}
	for _, i := range installed {
		rows = append(rows, fmt.Sprintf("%s | %s | %d | %s", i.Module, filepath.Base(i.Path), i.Size, revisions[i.Module]))
	}
	return rows
}

func reconcileModules(cfg *file_config.Config) []nginxconf.Module {
	modules := make([]nginxconf.Module, 0, len(cfg.Modules))
	for _, m := range cfg.Modules {
		nm := nginxconf.Module{Artifact: m.Artifact, Feature: m.Feature}
		if m.Feature == "geoip2" {
			nm.DisabledSuffix = cfg.GeoIP2DisabledSuffix
		}
		modules = append(modules, nm)
	}
	return modules
}
