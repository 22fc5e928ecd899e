// Package probe reads the installed nginx's version and the configure
// arguments it was built with from `nginx -V`.
package probe

import (
	"context"
	"regexp"
	"strings"

	"github.com/flynn/go-shlex"

	"nginx-module-rebuild/src/pkg/failure"
	"nginx-module-rebuild/src/pkg/runner"
)

const configureMarker = "configure arguments:"

var (
	versionLine    = regexp.MustCompile(`nginx version:\s*\S+/(\S+)`)
	versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
)

// Build describes the installed server binary.
type Build struct {
	Version string
	// Flags is everything after the configure marker, verbatim.
	Flags string
}

// FlagTokens splits Flags into shell words without reordering or dropping
// any, so quoted values like --with-cc-opt='-g -O2' stay one token.
func (b *Build) FlagTokens() ([]string, error) {
	if strings.TrimSpace(b.Flags) == "" {
		return nil, nil
	}
	tokens, err := shlex.Split(b.Flags)
	if err != nil {
		return nil, failure.Wrap(failure.ErrEnvironment, err, "cannot split configure arguments")
	}
	return tokens, nil
}

// Parse extracts the version and flag blob from `nginx -V` output.
func Parse(output string) (*Build, error) {
	m := versionLine.FindStringSubmatch(output)
	if m == nil {
		return nil, failure.New(failure.ErrEnvironment, "no version line in nginx -V output")
	}
	version := m[1]
	if !versionPattern.MatchString(version) {
		return nil, failure.New(failure.ErrEnvironment, "unexpected nginx version %q", version)
	}

	build := &Build{Version: version}
	if i := strings.Index(output, configureMarker); i >= 0 {
		flags := output[i+len(configureMarker):]
		if nl := strings.IndexByte(flags, '\n'); nl >= 0 {
			flags = flags[:nl]
		}
		build.Flags = strings.TrimSpace(flags)
	}
	return build, nil
}

// Probe runs `<binary> -V`. nginx prints the report on stderr.
func Probe(ctx context.Context, r runner.Runner, binary string) (*Build, error) {
	res, err := r.Run(ctx, runner.Command{Name: binary, Args: []string{"-V"}})
	if err != nil {
		return nil, failure.Wrap(failure.ErrEnvironment, err, "cannot run %s", binary)
	}
	if !res.Success() {
		return nil, failure.WithTail(failure.ErrEnvironment, res.Combined(), 5, "%s -V exited with status %d", binary, res.ExitCode)
	}
	return Parse(res.Combined())
}
