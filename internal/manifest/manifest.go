// Package manifest describes the declarative list of shell assets and chapter
// documents that a generation pre-populates at install time. The list is
// supplied by the deployment; nothing here computes it.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Kind tags an entry as part of the application shell or as a chapter.
type Kind string

const (
	KindShell   Kind = "shell"
	KindChapter Kind = "chapter"
)

// Entry is a single URL relative to the deployment root.
type Entry struct {
	URL  string `json:"url"`
	Kind Kind   `json:"kind"`
}

// Manifest keeps shell assets and chapters as two ordered lists.
type Manifest struct {
	Shell    []string `koanf:"shell" json:"shell"`
	Chapters []string `koanf:"chapters" json:"chapters"`
}

// Default mirrors the reader deployment: the app shell plus every chapter
// document published so far.
func Default() Manifest {
	m := Manifest{
		Shell: []string{
			"./",
			"./index.html",
			"./manifest.json",
			"./assets/icon-192.png",
			"./assets/icon-512.png",
			"./assets/icon-512-maskable.png",
			"./assets/cover-1600.webp",
		},
		Chapters: []string{
			"./chapters/notification.html",
			"./chapters/resolution.html",
			"./chapters/documents_accompanying.html",
		},
	}
	for i := 1; i <= 18; i++ {
		m.Chapters = append(m.Chapters, fmt.Sprintf("./chapters/ch%d.html", i))
	}
	m.Chapters = append(m.Chapters, "./chapters/appendix.html")
	return m
}

// Entries flattens the manifest, shell entries first, each list in order.
func (m Manifest) Entries() []Entry {
	out := make([]Entry, 0, len(m.Shell)+len(m.Chapters))
	for _, u := range m.Shell {
		out = append(out, Entry{URL: u, Kind: KindShell})
	}
	for _, u := range m.Chapters {
		out = append(out, Entry{URL: u, Kind: KindChapter})
	}
	return out
}

// Clone copies both lists.
func (m Manifest) Clone() Manifest {
	return Manifest{
		Shell:    slices.Clone(m.Shell),
		Chapters: slices.Clone(m.Chapters),
	}
}

// Equal reports whether both lists match element by element.
func (m Manifest) Equal(other Manifest) bool {
	return slices.Equal(m.Shell, other.Shell) && slices.Equal(m.Chapters, other.Chapters)
}

// Validate rejects blank entries and absolute URLs pointing at other hosts.
func (m Manifest) Validate() error {
	for _, e := range m.Entries() {
		trimmed := strings.TrimSpace(e.URL)
		if trimmed == "" {
			return fmt.Errorf("manifest: empty %s entry", e.Kind)
		}
		u, err := url.Parse(trimmed)
		if err != nil {
			return fmt.Errorf("manifest: %s entry %q: %w", e.Kind, e.URL, err)
		}
		if u.IsAbs() || u.Host != "" {
			return fmt.Errorf("manifest: %s entry %q must be relative to the deployment root", e.Kind, e.URL)
		}
	}
	return nil
}

// Resolve turns a relative manifest URL into an absolute one against base.
// base must end with '/' when it names a directory.
func Resolve(base *url.URL, ref string) (*url.URL, error) {
	if base == nil {
		return nil, errors.New("manifest: base url required")
	}
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("manifest: parse %q: %w", ref, err)
	}
	return base.ResolveReference(rel), nil
}

// Load reads a manifest document. The parser is picked from the file
// extension: .yaml/.yml, .json or .toml.
func Load(ctx context.Context, path string) (Manifest, error) {
	select {
	case <-ctx.Done():
		return Manifest{}, ctx.Err()
	default:
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("manifest: file %s not found", path)
		}
		return Manifest{}, fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = kjson.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return Manifest{}, fmt.Errorf("manifest: unsupported file extension %q", filepath.Ext(path))
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("manifest: load %s: %w", path, err)
	}
	var m Manifest
	if err := k.Unmarshal("", &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest: unmarshal %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
