// Package failure holds the error kinds a rebuild run can stop with and
// maps them to process exit codes.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEnvironment      = errors.New("environment error")
	ErrFetch            = errors.New("fetch error")
	ErrConfigure        = errors.New("configure error")
	ErrBuild            = errors.New("build error")
	ErrArtifactMissing  = errors.New("artifact missing")
	ErrInstall          = errors.New("install error")
	ErrConfigValidation = errors.New("config validation error")
	ErrServiceStart     = errors.New("service start error")
	ErrLocked           = errors.New("module directory locked")
)

const (
	ExitOK       = 0
	ExitInternal = 1
)

var exitCodes = map[error]int{
	ErrEnvironment:      10,
	ErrFetch:            11,
	ErrConfigure:        12,
	ErrBuild:            13,
	ErrArtifactMissing:  14,
	ErrInstall:          15,
	ErrConfigValidation: 16,
	ErrServiceStart:     17,
	ErrLocked:           18,
}

// Error is a stage failure. Tail carries the last lines of the log that
// explains it, if there is one.
type Error struct {
	Kind error
	Msg  string
	Tail []string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is lets errors.Is match on the kind while Unwrap exposes the cause.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func New(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind error, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithTail attaches the last n lines of log to a new stage failure.
func WithTail(kind error, log string, n int, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Tail: Tail(log, n)}
}

// TailOf returns the log tail attached to err, if any.
func TailOf(err error) []string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Tail
	}
	return nil
}

// ExitCode maps err to the process exit code. nil is ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	for kind, code := range exitCodes {
		if errors.Is(err, kind) {
			return code
		}
	}
	return ExitInternal
}

// Tail returns the last n lines of text, ignoring trailing newlines.
func Tail(text string, n int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
