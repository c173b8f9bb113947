package render

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRenderSubstitutesProfileAndVars(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "Dockerfile.tpl")
	if err := os.WriteFile(entry, []byte("FROM base:{{.Vars.version}}\n# profile={{.Profile}}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := New([]string{entry})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := r.Render(entry, Context{Profile: "dev", Vars: map[string]any{"version": "3.10"}})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "FROM base:3.10\n# profile=dev\n"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderIncludesAndMacros(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.tpl")
	macro := filepath.Join(dir, "macro.tpl")
	if err := os.WriteFile(macro, []byte(`{{define "fib"}}anon-fib-{{.}}{{end}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(entry, []byte(`FROM {{template "fib" 3}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := New([]string{entry, macro})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := r.Render(entry, Context{})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "FROM anon-fib-3"
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestShellEscapeQuotesEmbeddedQuote(t *testing.T) {
	got := shellEscape(`it's`)
	want := `'it'"'"'s'`
	if got != want {
		t.Errorf("shellEscape() = %q, want %q", got, want)
	}
}

func TestIgnoreEscapeEscapesGlobMetacharacters(t *testing.T) {
	got := ignoreEscape("a*b?c[d]e!")
	want := `a\*b\?c\[d\]e\!`
	if got != want {
		t.Errorf("ignoreEscape() = %q, want %q", got, want)
	}
}
