package templates

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles HTML templates with the sprig helpers, minus anything that
// reads the process environment or the filesystem.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// NewRenderer binds the renderer to sandbox. A nil sandbox still allows
// inline templates; file templates then fail.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.HtmlFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	funcs["env"] = func(string) string { return "" }
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// CompileInline parses source. Blank sources yield (nil, nil) so optional
// settings need no special casing.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads path through the sandbox and compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Render executes the template against data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
