package nginxconf

import (
	"fmt"
	"os"
	"strings"

	"nginx-module-rebuild/src/pkg/atomicfile"
)

// Module is what the reconciler needs to know about one rebuilt module.
type Module struct {
	Artifact string
	// Feature is the directive prefix (e.g. "geoip2") whose disabled lines
	// are enabled too. Empty for modules with no feature directives.
	Feature string
	// DisabledSuffix is a trailing marker some setups append to feature
	// lines they switched off. Defaults to "# <feature>-disabled".
	DisabledSuffix string
}

func (m Module) suffix() string {
	if m.DisabledSuffix != "" {
		return m.DisabledSuffix
	}
	return fmt.Sprintf("# %s-disabled", m.Feature)
}

// Change is one rewritten line. LineNo is 1-based.
type Change struct {
	LineNo int
	Before string
	After  string
}

type Report struct {
	Changes []Change
	// Missing lists artifacts with no load_module line at all, active or not.
	Missing []string
	// Duplicates lists artifacts loaded by more than one active line.
	Duplicates []string
}

func (r *Report) Changed() bool { return len(r.Changes) > 0 }

type reconciler struct {
	lines  []Line
	report Report
}

func (r *reconciler) replace(i int, next Line) {
	before := r.lines[i].Raw
	if next.Raw == before {
		return
	}
	r.lines[i] = next
	r.report.Changes = append(r.report.Changes, Change{LineNo: i + 1, Before: before, After: next.Raw})
}

// Reconcile returns content with the load directive of every module
// enabled (exactly one active line per artifact) and the feature directives
// of modules that declare one enabled. Lines it does not recognise are
// returned untouched.
func Reconcile(content string, modules []Module) (string, Report) {
	r := &reconciler{lines: Parse(content)}
	for _, m := range modules {
		r.enableLoad(m.Artifact)
	}
	for _, m := range modules {
		if m.Feature != "" {
			r.enableFeature(m)
		}
	}
	return Render(r.lines), r.report
}

func (r *reconciler) enableLoad(artifact string) {
	var active, disabled []int
	for i, l := range r.lines {
		if !l.LoadsArtifact(artifact) {
			continue
		}
		if l.Disabled {
			disabled = append(disabled, i)
		} else {
			active = append(active, i)
		}
	}

	switch {
	case len(active) > 1:
		r.report.Duplicates = append(r.report.Duplicates, artifact)
	case len(active) == 1:
	case len(disabled) > 0:
		r.replace(disabled[0], r.lines[disabled[0]].Enabled())
	default:
		r.report.Missing = append(r.report.Missing, artifact)
	}
}

func (r *reconciler) enableFeature(m Module) {
	suffix := m.suffix()
	depth := 0

	for i := range r.lines {
		l := r.lines[i]
		marked := false
		if body, ok := cutSuffix(l, suffix); ok {
			l = ParseLine(l.Indent + body + l.EOL)
			marked = true
		}

		if depth > 0 {
			if !l.Disabled && strings.TrimSpace(l.Body) != "" {
				// The disabled block ended without its closing "}".
				depth = 0
			} else {
				// Enable the block's directives but not its prose comments.
				if on := l.Enabled(); on.IsDirective() || on.ClosesBlock() {
					l = on
					depth += braceDelta(on.Body)
				}
				if depth < 0 {
					depth = 0
				}
				r.replace(i, l)
				continue
			}
		}

		if marked || (l.Disabled && l.IsDirective() && strings.HasPrefix(l.Name, m.Feature)) {
			if l.Disabled && l.Term == "{" {
				depth = max(braceDelta(l.Body), 0)
			}
			l = l.Enabled()
		}
		r.replace(i, l)
	}
}

// braceDelta counts '{' minus '}' outside quotes, stopping at an unquoted '#'.
func braceDelta(s string) int {
	var quote byte
	delta := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '#':
			return delta
		case c == '{':
			delta++
		case c == '}':
			delta--
		}
	}
	return delta
}

// cutSuffix strips a trailing disable marker, keeping any comment marker at
// the start of the line. Lines that are nothing but the marker are left
// alone.
func cutSuffix(l Line, suffix string) (string, bool) {
	text := strings.TrimRight(l.Raw, "\r")
	text = strings.TrimPrefix(text, l.Indent)
	trimmed := strings.TrimRight(text, " \t")
	if !strings.HasSuffix(trimmed, suffix) {
		return "", false
	}
	body := strings.TrimRight(strings.TrimSuffix(trimmed, suffix), " \t")
	if strings.Trim(body, "# \t") == "" {
		return "", false
	}
	return body, true
}

// ActiveLoadDirectives lists every enabled load_module line, trimmed.
func ActiveLoadDirectives(content string) []string {
	var out []string
	for _, l := range Parse(content) {
		if !l.Disabled && l.IsDirective() && l.Name == "load_module" {
			out = append(out, strings.TrimSpace(strings.TrimRight(l.Raw, "\r")))
		}
	}
	return out
}

// ReconcileFile applies Reconcile to the file at path, rewriting it only
// when something changed.
func ReconcileFile(path string, modules []Module) (Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	content, report := Reconcile(string(data), modules)
	if !report.Changed() {
		return report, nil
	}
	if err := atomicfile.ReplaceFile(path, strings.NewReader(content), info); err != nil {
		return report, err
	}
	return report, nil
}
