package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	flag "github.com/spf13/pflag"

	"nginx-module-rebuild/src/pkg/console"
	"nginx-module-rebuild/src/pkg/file_config"
	"nginx-module-rebuild/src/pkg/install"
)

const usage = `Usage: %s <command> [flags]

Commands:
  list                      show backup snapshots, oldest first
  restore <name|latest>     copy a snapshot's modules back into the module directory
  prune --keep N            delete all but the newest N snapshots
  export <name|latest> --dest DIR
                            copy a snapshot somewhere else

Restoring does not touch nginx.conf or restart nginx; run nginx -t and
restart the service yourself afterwards.
`

func parseCSVFlag(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(strings.TrimSpace(part), `"`)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// selectFiles narrows a snapshot to the requested module files.
func selectFiles(snap *install.Snapshot, requested []string) (*install.Snapshot, error) {
	if len(requested) == 0 {
		return snap, nil
	}
	narrowed := *snap
	narrowed.Files = nil
	for _, name := range requested {
		if !slices.Contains(snap.Files, name) {
			return nil, fmt.Errorf("module %q is not in snapshot %s", name, snap.Name())
		}
		narrowed.Files = append(narrowed.Files, name)
	}
	return &narrowed, nil
}

func checkDest(dest string) error {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if dest == "" || abs == "/" {
		return fmt.Errorf("refusing to export into unsafe path %q", dest)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	var (
		configPath string
		moduleDir  string
		noColor    bool
		keep       int
		dest       string
		only       string
	)
	fs.StringVarP(&configPath, "config", "c", os.Getenv("NGINX_MODULE_REBUILD_CONFIG"), "path to YAML config file")
	fs.StringVar(&moduleDir, "module-dir", "", "module directory (default: from config)")
	fs.BoolVar(&noColor, "no-color", false, "disable colored output")
	switch command {
	case "prune":
		fs.IntVar(&keep, "keep", 5, "number of snapshots to keep")
	case "export":
		fs.StringVar(&dest, "dest", "", "directory to copy the snapshot into")
	case "restore":
		fs.StringVar(&only, "modules", "", "comma separated artifact names to restore (default: all)")
	case "list":
	case "-h", "--help", "help":
		fmt.Fprintf(os.Stdout, usage, os.Args[0])
		return
	default:
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		log.Fatalf("unknown command %q", command)
	}
	if err := fs.Parse(args); err != nil {
		log.Fatalln(err)
	}

	cfg, err := file_config.Load(configPath)
	if err != nil {
		log.Fatalln("error parsing config file:", err)
	}
	if err := file_config.ApplyOverrides(cfg, file_config.Config{ModuleDir: moduleDir}); err != nil {
		log.Fatalln("invalid flags:", err)
	}
	out := console.Stdout("", noColor)

	switch command {
	case "list":
		snaps, err := install.ListSnapshots(cfg.ModuleDir)
		if err != nil {
			log.Fatalln(err)
		}
		if len(snaps) == 0 {
			out.Info("no snapshots in %s", cfg.ModuleDir)
			return
		}
		rows := []string{"NAME | CREATED | FILES"}
		for _, s := range snaps {
			rows = append(rows, fmt.Sprintf("%s | %s | %s", s.Name(), s.CreatedAt.Format("2006-01-02 15:04:05"), strings.Join(s.Files, ", ")))
		}
		out.Table(rows)

	case "restore", "export":
		if fs.NArg() != 1 {
			log.Fatalf("%s needs exactly one snapshot name (or latest)", command)
		}
		snap, err := install.FindSnapshot(cfg.ModuleDir, fs.Arg(0))
		if err != nil {
			log.Fatalln(err)
		}

		if command == "export" {
			if err := checkDest(dest); err != nil {
				log.Fatalln(err)
			}
			if err := install.Export(snap, dest); err != nil {
				log.Fatalln("failed to export snapshot:", err)
			}
			out.Success("copied %s to %s", snap.Name(), filepath.Join(dest, snap.Name()))
			return
		}

		snap, err = selectFiles(snap, parseCSVFlag(only))
		if err != nil {
			log.Fatalln(err)
		}
		lock, err := install.Acquire(cfg.ModuleDir)
		if err != nil {
			log.Fatalln(err)
		}
		defer lock.Release()

		restored, err := install.Restore(snap, cfg.ModuleDir)
		for _, name := range restored {
			out.Success("restored %s from %s", name, snap.Name())
		}
		if err != nil {
			out.Error("%v", err)
			lock.Release()
			os.Exit(1)
		}
		out.Info("run %s -t and restart %s to load the restored modules", cfg.NginxBinary, cfg.ServiceName)

	case "prune":
		lock, err := install.Acquire(cfg.ModuleDir)
		if err != nil {
			log.Fatalln(err)
		}
		defer lock.Release()

		removed, err := install.Prune(cfg.ModuleDir, keep)
		for _, name := range removed {
			out.Success("removed %s", name)
		}
		if err != nil {
			out.Error("%v", err)
			lock.Release()
			os.Exit(1)
		}
		if len(removed) == 0 {
			out.Info("nothing to prune, %d snapshot(s) or fewer present", keep)
		}
	}
}
