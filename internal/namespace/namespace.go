package namespace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultPrefix is the partition name prefix used by the reader deployment.
const DefaultPrefix = "gkr"

const (
	kindShell    = "static"
	kindChapters = "chapters"
)

var prefixPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._]*$`)

// Generation is the opaque version tag partitioning all cache storage.
type Generation string

// Validate rejects empty generations and generations containing whitespace.
func (g Generation) Validate() error {
	if g == "" {
		return errors.New("namespace: generation required")
	}
	if strings.IndexFunc(string(g), unicode.IsSpace) >= 0 {
		return fmt.Errorf("namespace: generation %q contains whitespace", string(g))
	}
	return nil
}

// Names holds the two partition names owned by a generation.
type Names struct {
	Shell    string `json:"shell"`
	Chapters string `json:"chapters"`
}

// All returns both names, shell first.
func (n Names) All() []string {
	return []string{n.Shell, n.Chapters}
}

// Lister enumerates every partition a backend currently holds.
type Lister interface {
	Names(ctx context.Context) ([]string, error)
}

// Manager derives partition names for one generation.
type Manager struct {
	prefix     string
	generation Generation
	names      Names
}

// New binds the manager to a generation. The prefix is a deployment constant
// and may not contain '-' so the kind token always sits right after it.
func New(prefix string, generation Generation) (*Manager, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("namespace: prefix %q invalid", prefix)
	}
	if err := generation.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		prefix:     prefix,
		generation: generation,
		names: Names{
			Shell:    prefix + "-" + kindShell + "-" + string(generation),
			Chapters: prefix + "-" + kindChapters + "-" + string(generation),
		},
	}, nil
}

func (m *Manager) Generation() Generation { return m.generation }

func (m *Manager) Prefix() string { return m.prefix }

func (m *Manager) Names() Names { return m.names }

// Owns reports whether name is one of this generation's partitions.
func (m *Manager) Owns(name string) bool {
	return name == m.names.Shell || name == m.names.Chapters
}

// Stale filters existing down to the names this generation does not own,
// preserving order.
func (m *Manager) Stale(existing []string) []string {
	stale := make([]string, 0, len(existing))
	for _, name := range existing {
		if !m.Owns(name) {
			stale = append(stale, name)
		}
	}
	return stale
}

// Enumerate lists every partition known to the backend, including ones left
// behind by earlier generations.
func (m *Manager) Enumerate(ctx context.Context, lister Lister) ([]string, error) {
	if lister == nil {
		return nil, errors.New("namespace: lister required")
	}
	names, err := lister.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("namespace: enumerate: %w", err)
	}
	return names, nil
}
