// Package ignore implements dockerignore-compatible pattern matching for
// build-context filtering.
package ignore

import (
	"path"
	"strings"
)

// Pattern is a single compiled ignore rule.
type Pattern struct {
	negate bool
	raw    string
	parts  []string // path segments, possibly containing glob metacharacters
}

// Matcher evaluates a path against an ordered list of patterns using
// dockerignore semantics: the last matching pattern wins, and a leading
// '!' negates a match (re-including a previously excluded path).
type Matcher struct {
	patterns []Pattern
}

// Compile parses pattern lines (as found in a .dockerignore file or a
// project config's inline `ignore` list), skipping blank lines and
// '#'-comments.
func Compile(lines []string) *Matcher {
	m := &Matcher{}
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		negate := false
		if strings.HasPrefix(l, "!") {
			negate = true
			l = l[1:]
		}
		anchored := strings.Contains(strings.TrimPrefix(l, "/"), "/")
		l = path.Clean(strings.TrimPrefix(l, "/"))
		parts := strings.Split(l, "/")
		if !anchored {
			// A pattern with no interior slash matches at any depth, per
			// gitignore/dockerignore convention, equivalent to prefixing
			// it with "**/".
			parts = append([]string{"**"}, parts...)
		}
		m.patterns = append(m.patterns, Pattern{
			negate: negate,
			raw:    l,
			parts:  parts,
		})
	}
	return m
}

// Match reports whether relPath (slash-separated, relative to the context
// root) should be excluded.
func (m *Matcher) Match(relPath string) bool {
	relPath = path.Clean(relPath)
	excluded := false
	segs := strings.Split(relPath, "/")
	for _, p := range m.patterns {
		if matchSegments(p.parts, segs) {
			excluded = !p.negate
		}
	}
	return excluded
}

// matchSegments implements the glob-per-segment matching dockerignore
// uses: '**' matches zero or more path segments, '*' and '?' match within
// a single segment, and '[...]' character classes follow path.Match
// semantics: faithfully reproducing the standard library's matching
// rather than papering over builder-specific divergences.
func matchSegments(pattern, path_ []string) bool {
	return matchSeg(pattern, path_)
}

func matchSeg(pattern, p []string) bool {
	if len(pattern) == 0 {
		// A fully-consumed pattern matches its own path and, per
		// dockerignore semantics, everything beneath it: excluding a
		// directory excludes its subtree.
		return true
	}
	if pattern[0] == "**" {
		if matchSeg(pattern[1:], p) {
			return true
		}
		if len(p) == 0 {
			return false
		}
		return matchSeg(pattern, p[1:])
	}
	if len(p) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], p[0])
	if err != nil || !ok {
		return false
	}
	return matchSeg(pattern[1:], p[1:])
}
