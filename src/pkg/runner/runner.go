// Package runner runs the external tools the rebuild shells out to (nginx,
// git, configure, make, systemctl).
package runner

import (
	"context"
	"fmt"
	"strings"

	execute "github.com/alexellis/go-execute/v2"
)

// Command is one external invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is what a finished process left behind. A non-zero ExitCode is not
// an error at this level; callers decide what it means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

func (r Result) Success() bool { return r.ExitCode == 0 }

// Runner executes commands. An error means the process could not be run at
// all (binary not found, context cancelled).
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct {
	// Stream copies the child's stdio to ours as well as capturing it.
	Stream bool
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	task := execute.ExecTask{
		Command:     cmd.Name,
		Args:        cmd.Args,
		Cwd:         cmd.Dir,
		Env:         cmd.Env,
		StreamStdio: r.Stream,
	}

	res, err := task.Execute(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
	}
	if res.Cancelled {
		return Result{}, fmt.Errorf("%s cancelled: %w", cmd.Name, ctx.Err())
	}
	return Result{
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}, nil
}
