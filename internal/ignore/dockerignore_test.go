package ignore

import "testing"

func TestIgnoreBasic(t *testing.T) {
	tests := map[string]struct {
		patterns []string
		path     string
		excluded bool
	}{
		"simple exclude": {
			patterns: []string{"*.log"},
			path:     "debug.log",
			excluded: true,
		},
		"simple no match": {
			patterns: []string{"*.log"},
			path:     "main.go",
			excluded: false,
		},
		"directory exclude covers subtree": {
			patterns: []string{"node_modules"},
			path:     "node_modules/pkg/index.js",
			excluded: true,
		},
		"comment and blank lines ignored": {
			patterns: []string{"# comment", "", "*.log"},
			path:     "x.log",
			excluded: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := Compile(tc.patterns)
			if got := m.Match(tc.path); got != tc.excluded {
				t.Fatalf("Match(%q) = %v, want %v", tc.path, got, tc.excluded)
			}
		})
	}
}

// TestStarThenNegateKeep checks that, given patterns ["*","!keep"] on a
// directory {a, keep, sub/keep}, both "keep" and "sub/keep" are kept
// (not ignored) while "a" stays excluded.
func TestStarThenNegateKeep(t *testing.T) {
	m := Compile([]string{"*", "!keep"})
	tests := map[string]bool{
		"a":        true,
		"keep":     false,
		"sub/keep": false,
	}
	for p, want := range tests {
		if got := m.Match(p); got != want {
			t.Fatalf("Match(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestLastMatchWins(t *testing.T) {
	m := Compile([]string{"!keep", "*"})
	// Order matters: here "*" comes after "!keep", so everything is
	// excluded including "keep" since the last matching pattern wins.
	if !m.Match("keep") {
		t.Fatalf("expected keep to be excluded when * is the last matching pattern")
	}
}
