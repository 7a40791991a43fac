// Package vfs is the narrow virtual filesystem used to stage generated
// files and compiled modules before they are executed or persisted.
package vfs

import (
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/jkaninda/wasmbridge/internal/domain"
)

// File is one generated artifact: a relative path and its content.
type File struct {
	Path    string
	Content []byte
}

// Reader locates staged artifacts.
type Reader interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
}

// MemFS is an in-memory Reader. Safe for concurrent use.
type MemFS struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

// Stage writes files in order; a later file replaces an earlier one with
// the same cleaned path. Absolute paths and paths escaping the root are
// rejected.
func (m *MemFS) Stage(files []File) error {
	cleaned := make([]string, len(files))
	for i, f := range files {
		p, err := clean(f.Path)
		if err != nil {
			return err
		}
		cleaned[i] = p
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range files {
		m.files[cleaned[i]] = slices.Clone(f.Content)
	}
	return nil
}

func (m *MemFS) Exists(p string) bool {
	p, err := clean(p)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[p]
	return ok
}

func (m *MemFS) ReadFile(p string) ([]byte, error) {
	cp, err := clean(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.files[cp]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "file", ID: p}
	}
	return slices.Clone(b), nil
}

// List returns staged paths in lexical order.
func (m *MemFS) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func clean(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") {
		return "", &domain.ValidationError{Field: "path", Reason: "must be a non-empty relative path"}
	}
	c := path.Clean(p)
	if c == ".." || strings.HasPrefix(c, "../") {
		return "", &domain.ValidationError{Field: "path", Reason: "escapes the staging root"}
	}
	return c, nil
}
