// Package verify checks the reconciled config and brings nginx back up.
package verify

import (
	"context"
	"os"
	"strings"
	"time"

	"nginx-module-rebuild/src/pkg/failure"
	"nginx-module-rebuild/src/pkg/nginxconf"
	"nginx-module-rebuild/src/pkg/runner"
)

type Verifier struct {
	Runner      runner.Runner
	NginxBinary string
	Service     string
	// Delay is how long to wait after starting before the single
	// is-active check.
	Delay    time.Duration
	TailSize int
	Sleep    func(context.Context, time.Duration) error
}

func New(r runner.Runner, nginxBinary string, service string, delay time.Duration) *Verifier {
	return &Verifier{
		Runner:      r,
		NginxBinary: nginxBinary,
		Service:     service,
		Delay:       delay,
		TailSize:    20,
		Sleep:       sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TestConfig runs `nginx -t`.
func (v *Verifier) TestConfig(ctx context.Context) error {
	res, err := v.Runner.Run(ctx, runner.Command{Name: v.NginxBinary, Args: []string{"-t"}})
	if err != nil {
		return failure.Wrap(failure.ErrConfigValidation, err, "cannot run %s -t", v.NginxBinary)
	}
	if !res.Success() {
		return failure.WithTail(failure.ErrConfigValidation, res.Combined(), v.TailSize, "%s -t rejected the configuration", v.NginxBinary)
	}
	return nil
}

// IsActive asks systemd whether the service is running.
func (v *Verifier) IsActive(ctx context.Context) (bool, error) {
	res, err := v.Runner.Run(ctx, runner.Command{Name: "systemctl", Args: []string{"is-active", v.Service}})
	if err != nil {
		return false, err
	}
	return res.Success() && strings.TrimSpace(res.Stdout) == "active", nil
}

// Start restarts the service if it is running and starts it otherwise,
// then checks once, after Delay, that it is active.
func (v *Verifier) Start(ctx context.Context) error {
	active, err := v.IsActive(ctx)
	if err != nil {
		return failure.Wrap(failure.ErrServiceStart, err, "cannot query %s", v.Service)
	}
	action := "start"
	if active {
		action = "restart"
	}

	res, err := v.Runner.Run(ctx, runner.Command{Name: "systemctl", Args: []string{action, v.Service}})
	if err != nil {
		return failure.Wrap(failure.ErrServiceStart, err, "cannot %s %s", action, v.Service)
	}
	if !res.Success() {
		return failure.WithTail(failure.ErrServiceStart, res.Combined(), v.TailSize, "systemctl %s %s exited with status %d", action, v.Service, res.ExitCode)
	}

	if v.Delay > 0 {
		if err := v.Sleep(ctx, v.Delay); err != nil {
			return failure.Wrap(failure.ErrServiceStart, err, "interrupted while waiting for %s", v.Service)
		}
	}

	active, err = v.IsActive(ctx)
	if err != nil {
		return failure.Wrap(failure.ErrServiceStart, err, "cannot query %s", v.Service)
	}
	if !active {
		return failure.WithTail(failure.ErrServiceStart, v.Status(ctx), v.TailSize, "%s is not active after %s", v.Service, action)
	}
	return nil
}

// Status returns the head of `systemctl status`, or "" if it cannot run.
func (v *Verifier) Status(ctx context.Context) string {
	res, err := v.Runner.Run(ctx, runner.Command{Name: "systemctl", Args: []string{"status", v.Service, "--no-pager", "--lines=5"}})
	if err != nil {
		return ""
	}
	return strings.TrimRight(res.Combined(), "\n")
}

// Summary is the final report of a healthy run.
type Summary struct {
	Directives []string
	Status     []string
}

// Summarize lists the active load_module lines in confPath and the head of
// the service status.
func (v *Verifier) Summarize(ctx context.Context, confPath string) Summary {
	var sum Summary
	if data, err := os.ReadFile(confPath); err == nil {
		sum.Directives = nginxconf.ActiveLoadDirectives(string(data))
	}
	if status := v.Status(ctx); status != "" {
		sum.Status = strings.Split(status, "\n")
	}
	return sum
}
