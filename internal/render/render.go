// Package render is the thin host-provided template-rendering capability:
// a string->string renderer over a variables map that supports file
// includes and user-defined macros, backed by text/template.
package render

import (
	"path/filepath"
	"strings"
	"text/template"

	"github.com/banksean/tplbuild/internal/errs"
)

// Context is the variable set the entrypoint template is rendered with.
type Context struct {
	Profile    string
	Vars       map[string]any
	UserConfig map[string]any
}

// Renderer parses a set of template files once and renders an entrypoint
// against them, so macros defined in included files are visible from the
// entrypoint via {{template "name" .}}.
type Renderer struct {
	tmpl *template.Template
}

// New parses every file matched by paths (glob patterns or literal file
// names) as one associated template set.
func New(paths []string) (*Renderer, error) {
	t := template.New("tplbuild").Funcs(template.FuncMap{
		"shell_escape":  shellEscape,
		"ignore_escape": ignoreEscape,
	})

	var files []string
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, &errs.ConfigError{Path: p, Msg: "invalid template_paths glob", Err: err}
		}
		if len(matches) == 0 {
			files = append(files, p) // literal path; ParseFiles reports if missing
			continue
		}
		files = append(files, matches...)
	}
	if len(files) > 0 {
		parsed, err := t.ParseFiles(files...)
		if err != nil {
			return nil, &errs.ConfigError{Path: strings.Join(files, ","), Msg: "parsing templates", Err: err}
		}
		t = parsed
	}
	return &Renderer{tmpl: t}, nil
}

// Render executes the named entrypoint template (its base file name,
// matching text/template's association-by-basename convention) against
// ctx and returns the rendered text.
func (r *Renderer) Render(entrypoint string, ctx Context) (string, error) {
	name := filepath.Base(entrypoint)
	var buf strings.Builder
	if err := r.tmpl.ExecuteTemplate(&buf, name, ctx); err != nil {
		return "", &errs.ConfigError{Path: entrypoint, Msg: "rendering template", Err: err}
	}
	return buf.String(), nil
}

// shellEscape wraps s in single quotes, escaping any embedded single
// quote as '"'"', the standard POSIX shell quoting trick.
func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ignoreEscape backslash-escapes characters meaningful to
// dockerignore/glob pattern syntax ('*', '?', '[', ']', '!', '\\') so a literal
// value can be safely interpolated into an ignore-pattern line.
func ignoreEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
