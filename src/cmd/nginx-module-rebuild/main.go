package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"nginx-module-rebuild/src/pkg/console"
	"nginx-module-rebuild/src/pkg/failure"
	"nginx-module-rebuild/src/pkg/file_config"
	"nginx-module-rebuild/src/pkg/rebuild"
	"nginx-module-rebuild/src/pkg/runner"
)

const configEnv = "NGINX_MODULE_REBUILD_CONFIG"

// envOr returns the value of env var name, or fallback when it is unset.
func envOr(name string, fallback string) string {
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value
	}
	return fallback
}

func main() {
	var (
		configPath  string
		nginxBinary string
		nginxConf   string
		moduleDir   string
		workRoot    string
		jobs        int
		keepWorkdir bool
		noColor     bool
		verbose     bool
	)

	flag.StringVarP(&configPath, "config", "c", envOr(configEnv, ""), "path to YAML config file (default: built-in defaults)")
	flag.StringVar(&nginxBinary, "nginx-binary", "", "nginx binary to probe and test with")
	flag.StringVar(&nginxConf, "nginx-conf", "", "nginx.conf to re-enable the modules in")
	flag.StringVar(&moduleDir, "module-dir", "", "directory nginx loads dynamic modules from")
	flag.StringVar(&workRoot, "work-root", "", "parent of the per-version build directory")
	flag.IntVarP(&jobs, "jobs", "j", 0, "make parallelism (default: number of CPUs)")
	flag.BoolVar(&keepWorkdir, "keep-workdir", false, "keep the build directory after a successful run")
	flag.BoolVar(&noColor, "no-color", false, "disable colored output")
	flag.BoolVarP(&verbose, "verbose", "v", false, "stream configure and make output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nRebuilds the configured nginx dynamic modules against the installed nginx.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(failure.ExitInternal)
	}

	cfg, err := file_config.Load(configPath)
	if err != nil {
		log.Fatalln("error parsing config file:", err)
	}

	// Unset flags are zero and leave the config file's values alone.
	overrides := file_config.Config{
		NginxBinary: nginxBinary,
		NginxConf:   nginxConf,
		ModuleDir:   moduleDir,
		WorkRoot:    workRoot,
		Jobs:        jobs,
		KeepWorkdir: keepWorkdir,
	}
	if err := file_config.ApplyOverrides(cfg, overrides); err != nil {
		log.Fatalln("invalid flags:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := console.Stdout(uuid.NewString(), noColor)
	exec := runner.NewExecRunner()
	exec.Stream = verbose

	_, err = rebuild.New(cfg, exec, out).Run(ctx)
	stop()
	os.Exit(failure.ExitCode(err))
}
