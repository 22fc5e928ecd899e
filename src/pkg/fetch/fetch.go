// Package fetch populates the per-version work directory with the nginx
// source tree and a shallow checkout of every module.
package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gliderlabs/sigil"
	_ "github.com/gliderlabs/sigil/builtin"

	"nginx-module-rebuild/src/pkg/failure"
	"nginx-module-rebuild/src/pkg/file_config"
	"nginx-module-rebuild/src/pkg/runner"
)

// Source is a checked-out module.
type Source struct {
	Module   file_config.ModuleConfig
	Dir      string
	Revision string
}

// SourceURL renders the download URL for version.
func SourceURL(urlTemplate string, version string) (string, error) {
	out, err := sigil.Execute([]byte(urlTemplate), map[string]any{"version": version}, "source_url")
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

// WorkDir is the scratch directory for one nginx version.
func WorkDir(root string, version string) string {
	return filepath.Join(root, fmt.Sprintf("nginx-module-build-%s", version))
}

// Prepare discards whatever an earlier run left in dir and recreates it.
func Prepare(dir string) error {
	if dir == "" || dir == "/" {
		return fmt.Errorf("refusing to reset unsafe path %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear work directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory %s: %w", dir, err)
	}
	return nil
}

type Fetcher struct {
	HTTP        *http.Client
	Runner      runner.Runner
	URLTemplate string
}

func New(r runner.Runner, urlTemplate string) *Fetcher {
	return &Fetcher{HTTP: http.DefaultClient, Runner: r, URLTemplate: urlTemplate}
}

// DownloadServer fetches and unpacks the nginx source for version into
// workDir, returning the source tree root. One attempt, no retry.
func (f *Fetcher) DownloadServer(ctx context.Context, version string, workDir string) (string, error) {
	url, err := SourceURL(f.URLTemplate, version)
	if err != nil {
		return "", failure.Wrap(failure.ErrFetch, err, "cannot build source URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", failure.Wrap(failure.ErrFetch, err, "bad source URL %s", url)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return "", failure.Wrap(failure.ErrFetch, err, "download %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", failure.New(failure.ErrFetch, "download %s: %s (does nginx %s exist upstream?)", url, resp.Status, version)
	}

	archivePath := filepath.Join(workDir, fmt.Sprintf("nginx-%s.tar.gz", version))
	if err := saveTo(archivePath, resp.Body); err != nil {
		return "", failure.Wrap(failure.ErrFetch, err, "download %s", url)
	}
	if err := extractTarGz(archivePath, workDir); err != nil {
		return "", failure.Wrap(failure.ErrFetch, err, "unpack %s", archivePath)
	}

	srcDir := filepath.Join(workDir, fmt.Sprintf("nginx-%s", version))
	if info, err := os.Stat(filepath.Join(srcDir, "configure")); err != nil || info.IsDir() {
		return "", failure.New(failure.ErrFetch, "archive %s has no nginx-%s/configure", archivePath, version)
	}
	return srcDir, nil
}

// Clone makes a shallow single-revision checkout of m under workDir and
// records the tag or commit it resolved to.
func (f *Fetcher) Clone(ctx context.Context, m file_config.ModuleConfig, workDir string) (Source, error) {
	dir := filepath.Join(workDir, m.Name)

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if m.Ref != "" {
		args = append(args, "--branch", m.Ref)
	}
	args = append(args, m.Repo, dir)

	res, err := f.Runner.Run(ctx, runner.Command{Name: "git", Args: args})
	if err != nil {
		return Source{}, failure.Wrap(failure.ErrFetch, err, "clone %s", m.Name)
	}
	if !res.Success() {
		return Source{}, failure.WithTail(failure.ErrFetch, res.Combined(), 10, "git clone %s exited with status %d", m.Repo, res.ExitCode)
	}

	rev, err := f.Runner.Run(ctx, runner.Command{Name: "git", Args: []string{"-C", dir, "describe", "--tags", "--always"}})
	if err != nil {
		return Source{}, failure.Wrap(failure.ErrFetch, err, "resolve revision of %s", m.Name)
	}
	if !rev.Success() {
		return Source{}, failure.WithTail(failure.ErrFetch, rev.Combined(), 5, "git describe in %s exited with status %d", dir, rev.ExitCode)
	}

	return Source{Module: m, Dir: dir, Revision: strings.TrimSpace(rev.Stdout)}, nil
}

func saveTo(path string, body io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func extractTarGz(archivePath string, dest string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer gz.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(dest, hdr.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("archive entry %q escapes %s", hdr.Name, dest)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("archive entry %q links to absolute path %q", hdr.Name, hdr.Linkname)
			}
			if resolved := filepath.Join(filepath.Dir(target), hdr.Linkname); !strings.HasPrefix(resolved, root) {
				return fmt.Errorf("archive entry %q links outside %s", hdr.Name, dest)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}
