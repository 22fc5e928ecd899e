// Package console prints the operator-facing status lines of a run.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/ryanuber/columnize"
)

type Console struct {
	out   io.Writer
	runID string

	info  *color.Color
	ok    *color.Color
	warn  *color.Color
	fail  *color.Color
	stage *color.Color
}

// New returns a Console writing to out. Colors are dropped when noColor is
// set or out is not a terminal (color.NoColor).
func New(out io.Writer, runID string, noColor bool) *Console {
	c := &Console{
		out:   out,
		runID: runID,
		info:  color.New(color.FgCyan),
		ok:    color.New(color.FgGreen, color.Bold),
		warn:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed, color.Bold),
		stage: color.New(color.FgBlue, color.Bold),
	}
	if noColor {
		for _, col := range []*color.Color{c.info, c.ok, c.warn, c.fail, c.stage} {
			col.DisableColor()
		}
	}
	return c
}

// Stdout is the console used by the CLIs.
func Stdout(runID string, noColor bool) *Console {
	return New(os.Stdout, runID, noColor)
}

func (c *Console) RunID() string { return c.runID }

func (c *Console) line(col *color.Color, tag string, format string, args ...any) {
	fmt.Fprintf(c.out, "%s %s\n", col.Sprint(tag), fmt.Sprintf(format, args...))
}

func (c *Console) Stage(n int, name string) {
	fmt.Fprintln(c.out)
	c.line(c.stage, fmt.Sprintf("==> [%d/6]", n), "%s", name)
}

func (c *Console) Info(format string, args ...any) { c.line(c.info, "[INFO]", format, args...) }

func (c *Console) Success(format string, args ...any) { c.line(c.ok, "[ OK ]", format, args...) }

func (c *Console) Warn(format string, args ...any) { c.line(c.warn, "[WARN]", format, args...) }

func (c *Console) Error(format string, args ...any) { c.line(c.fail, "[FAIL]", format, args...) }

// Block prints lines indented under the previous status line.
func (c *Console) Block(lines []string) {
	for _, l := range lines {
		fmt.Fprintf(c.out, "    %s\n", l)
	}
}

// Table aligns "|"-separated rows into columns and prints them as a block.
func (c *Console) Table(rows []string) {
	if len(rows) == 0 {
		return
	}
	c.Block(strings.Split(columnize.SimpleFormat(rows), "\n"))
}

func (c *Console) Banner(title string) {
	bar := strings.Repeat("=", len(title)+4)
	c.ok.Fprintln(c.out, bar)
	c.ok.Fprintf(c.out, "  %s\n", title)
	c.ok.Fprintln(c.out, bar)
}
