// Package nginxconf re-enables the load_module and feature directives of
// rebuilt modules in nginx.conf.
//
// Only single-line directives are understood. A line is either an opaque
// passthrough or a directive of the form
//
//	[indent][#...][ ]name args(;|{)trailer
//
// where a leading run of '#' marks the directive as disabled. Everything
// else in the file is written back byte for byte.
package nginxconf

import (
	"path"
	"strings"
)

// Line is one line of an nginx config file.
type Line struct {
	Raw    string
	Indent string
	// Disabled is set when the line starts with a comment marker.
	Disabled bool
	// Body is the line after indent and comment marker, without line ending.
	Body string
	Name string
	Args string
	// Term is ";", "{" or "}"; empty for lines that are not directives.
	Term string
	EOL  string
}

// IsDirective reports whether the line parsed as name args terminator.
func (l Line) IsDirective() bool { return l.Name != "" && l.Term != "" }

// ClosesBlock reports whether the line is a lone "}".
func (l Line) ClosesBlock() bool { return l.Name == "" && l.Term == "}" }

// FirstArg is the first argument with surrounding quotes removed.
func (l Line) FirstArg() string {
	fields := strings.Fields(l.Args)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], `"'`)
}

// LoadsArtifact reports whether this is a load_module line for artifact.
func (l Line) LoadsArtifact(artifact string) bool {
	return l.IsDirective() && l.Name == "load_module" && l.Term == ";" && path.Base(l.FirstArg()) == artifact
}

// Enabled returns the line with its comment marker removed.
func (l Line) Enabled() Line {
	if !l.Disabled {
		return l
	}
	return ParseLine(l.Indent + l.Body + l.EOL)
}

func (l Line) String() string { return l.Raw }

// ParseLine parses a single line, which may carry its "\r" but not "\n".
func ParseLine(raw string) Line {
	l := Line{Raw: raw}
	text := raw
	if strings.HasSuffix(text, "\r") {
		l.EOL = "\r"
		text = strings.TrimSuffix(text, "\r")
	}

	rest := strings.TrimLeft(text, " \t")
	l.Indent = text[:len(text)-len(rest)]

	if strings.HasPrefix(rest, "#") {
		l.Disabled = true
		rest = strings.TrimLeft(rest, "#")
		rest = strings.TrimLeft(rest, " \t")
	}
	l.Body = rest

	if strings.HasPrefix(rest, "}") {
		l.Term = "}"
		return l
	}

	end := strings.IndexAny(rest, " \t;{#")
	if end <= 0 {
		return l
	}
	name := rest[:end]
	term, at := findTerminator(rest[end:])
	if term == "" {
		return l
	}
	l.Name = name
	l.Args = strings.TrimSpace(rest[end : end+at])
	l.Term = term
	return l
}

// findTerminator finds the first ';' or '{' outside quotes, stopping at an
// unquoted '#'.
func findTerminator(s string) (string, int) {
	var quote byte
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
			return "", -1
		case c == ';' || c == '{':
			return string(c), i
		}
	}
	return "", -1
}

// Parse splits content into lines. Joining the Raw fields with "\n" gives
// content back unchanged.
func Parse(content string) []Line {
	raw := strings.Split(content, "\n")
	lines := make([]Line, len(raw))
	for i, r := range raw {
		lines[i] = ParseLine(r)
	}
	return lines
}

func Render(lines []Line) string {
	raw := make([]string, len(lines))
	for i, l := range lines {
		raw[i] = l.Raw
	}
	return strings.Join(raw, "\n")
}
