package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Storage loads named templates from a directory of YAML files. Files are
// cached after the first read; Reload drops the cache.
type Storage struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Template
}

// NewStorage creates a template storage rooted at dir.
func NewStorage(dir string) *Storage {
	return &Storage{
		dir:   dir,
		cache: make(map[string]*Template),
	}
}

// Get returns the named template.
func (s *Storage) Get(name string) (*Template, error) {
	s.mu.RLock()
	tmpl, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	path := filepath.Join(s.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Name: name}
		}
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}

	tmpl = &Template{}
	if err := yaml.Unmarshal(data, tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	if tmpl.Name == "" {
		tmpl.Name = name
	}

	s.mu.Lock()
	s.cache[name] = tmpl
	s.mu.Unlock()
	return tmpl, nil
}

// List returns the names of all templates on disk.
func (s *Storage) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".yaml"))
	}
	return names, nil
}

// Reload drops the cache so edited templates are picked up.
func (s *Storage) Reload() {
	s.mu.Lock()
	s.cache = make(map[string]*Template)
	s.mu.Unlock()
}
