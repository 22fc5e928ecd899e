package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nginx-module-rebuild/src/pkg/failure"
	"nginx-module-rebuild/src/pkg/fetch"
	"nginx-module-rebuild/src/pkg/file_config"
	"nginx-module-rebuild/src/pkg/runner"
)

type fakeTool struct {
	configure runner.Result
	make      runner.Result
	// produce lists artifacts written into objs/ by Make
	produce map[string]string

	configureArgs []string
	makeCalls     []string
}

func (f *fakeTool) Configure(_ context.Context, _ string, args []string) (runner.Result, error) {
	f.configureArgs = args
	return f.configure, nil
}

func (f *fakeTool) Make(_ context.Context, srcDir string, target string, _ int) (runner.Result, error) {
	f.makeCalls = append(f.makeCalls, target)
	objs := filepath.Join(srcDir, "objs")
	if err := os.MkdirAll(objs, 0755); err != nil {
		return runner.Result{}, err
	}
	for name, content := range f.produce {
		if err := os.WriteFile(filepath.Join(objs, name), []byte(content), 0644); err != nil {
			return runner.Result{}, err
		}
	}
	return f.make, nil
}

func defaultSources(workDir string) []fetch.Source {
	var sources []fetch.Source
	for _, m := range file_config.Defaults().Modules {
		sources = append(sources, fetch.Source{Module: m, Dir: filepath.Join(workDir, m.Name)})
	}
	return sources
}

func allArtifacts() map[string]string {
	return map[string]string{
		"ndk_http_module.so":          "ELF ndk",
		"ngx_http_set_misc_module.so": "ELF set-misc",
		"ngx_http_geoip2_module.so":   "ELF geoip2",
	}
}

func TestConfigureArgs_ReplaysFlagsVerbatim(t *testing.T) {
	flags := []string{"--prefix=/etc/nginx", "--with-http_ssl_module"}

	args := ConfigureArgs(flags, defaultSources("/work"))

	assert.Equal(t, []string{
		"--prefix=/etc/nginx",
		"--with-http_ssl_module",
		"--add-dynamic-module=/work/ngx_devel_kit",
		"--add-dynamic-module=/work/set-misc-nginx-module",
		"--add-dynamic-module=/work/ngx_http_geoip2_module",
	}, args)

	var added int
	for _, a := range args {
		if strings.HasPrefix(a, "--add-dynamic-module=") {
			added++
			continue
		}
		assert.Contains(t, flags, a)
	}
	assert.Equal(t, 3, added)
}

func TestOrderByDependency_PutsDependencyFirst(t *testing.T) {
	sources := defaultSources("/work")
	reversed := []fetch.Source{sources[2], sources[1], sources[0]}

	ordered := OrderByDependency(reversed)

	var names []string
	for _, s := range ordered {
		names = append(names, s.Module.Name)
	}
	assert.Equal(t, []string{"ngx_http_geoip2_module", "ngx_devel_kit", "set-misc-nginx-module"}, names)
}

func TestDriver_Run(t *testing.T) {
	srcDir := t.TempDir()
	logDir := t.TempDir()
	tool := &fakeTool{produce: allArtifacts(), make: runner.Result{Stdout: "cc -o objs/ndk_http_module.so"}}
	d := &Driver{Tool: tool, Jobs: 4, TailSize: 5, LogDir: logDir}

	artifacts, err := d.Run(context.Background(), srcDir, []string{"--prefix=/etc/nginx"}, defaultSources("/work"))

	require.NoError(t, err)
	require.Len(t, artifacts, 3)
	assert.Equal(t, "ndk_http_module.so", artifacts[0].Name)
	assert.Equal(t, int64(len("ELF ndk")), artifacts[0].Size)
	assert.Equal(t, []string{ModulesTarget}, tool.makeCalls)
	assert.FileExists(t, filepath.Join(logDir, "configure.log"))
	assert.FileExists(t, filepath.Join(logDir, "build.log"))
}

func TestDriver_ConfigureFailureSurfacesTail(t *testing.T) {
	tool := &fakeTool{configure: runner.Result{
		Stdout:   "checking for OS\nchecking for PCRE library ... not found\n./configure: error: the HTTP rewrite module requires the PCRE library.\n",
		ExitCode: 1,
	}}
	d := &Driver{Tool: tool, TailSize: 1}

	_, err := d.Run(context.Background(), t.TempDir(), nil, defaultSources("/work"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrConfigure))
	assert.Equal(t, []string{"./configure: error: the HTTP rewrite module requires the PCRE library."}, failure.TailOf(err))
	assert.Empty(t, tool.makeCalls)
}

func TestDriver_BuildFailure(t *testing.T) {
	tool := &fakeTool{make: runner.Result{Stderr: "error: ndk.h: No such file", ExitCode: 2}}
	d := &Driver{Tool: tool, TailSize: 10}

	_, err := d.Run(context.Background(), t.TempDir(), nil, defaultSources("/work"))

	assert.True(t, errors.Is(err, failure.ErrBuild))
	assert.Equal(t, []string{"error: ndk.h: No such file"}, failure.TailOf(err))
}

func TestDriver_MissingArtifactAfterSuccessfulBuild(t *testing.T) {
	produced := allArtifacts()
	delete(produced, "ngx_http_geoip2_module.so")
	produced["ngx_http_set_misc_module.so"] = ""
	tool := &fakeTool{produce: produced}
	d := &Driver{Tool: tool}

	artifacts, err := d.Run(context.Background(), t.TempDir(), nil, defaultSources("/work"))

	require.Error(t, err)
	assert.Nil(t, artifacts)
	assert.True(t, errors.Is(err, failure.ErrArtifactMissing))
	assert.Contains(t, err.Error(), "ngx_http_geoip2_module.so")
	assert.Contains(t, err.Error(), "ngx_http_set_misc_module.so: empty file")
}

func TestMakeTool_Commands(t *testing.T) {
	r := &recordingRunner{}
	tool := MakeTool{Runner: r}

	_, err := tool.Configure(context.Background(), "/src", []string{"--prefix=/etc/nginx"})
	require.NoError(t, err)
	_, err = tool.Make(context.Background(), "/src", ModulesTarget, 8)
	require.NoError(t, err)

	assert.Equal(t, []runner.Command{
		{Name: "./configure", Args: []string{"--prefix=/etc/nginx"}, Dir: "/src"},
		{Name: "make", Args: []string{"-j8", "modules"}, Dir: "/src"},
	}, r.seen)
}

type recordingRunner struct {
	seen []runner.Command
}

func (r *recordingRunner) Run(_ context.Context, cmd runner.Command) (runner.Result, error) {
	r.seen = append(r.seen, cmd)
	return runner.Result{}, nil
}
