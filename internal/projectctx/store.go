// Package projectctx resolves the project a request belongs to. Project
// records are owned elsewhere; the dispatcher only reads them to enrich job
// payloads with style guidelines, subject matter and known assets.
package projectctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no project has the requested id.
var ErrNotFound = errors.New("project context not found")

// AssetRef is an existing asset of the project.
type AssetRef struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Document is a design document attached to the project.
type Document struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Body  string `json:"body" yaml:"body"`
}

// ProjectContext is the read-only view of a project.
type ProjectContext struct {
	ID              string     `json:"id" yaml:"id"`
	Name            string     `json:"name" yaml:"name"`
	Genre           string     `json:"genre" yaml:"genre"`
	SubjectMatter   string     `json:"subject_matter" yaml:"subject_matter"`
	StyleGuidelines []string   `json:"style_guidelines" yaml:"style_guidelines"`
	Assets          []AssetRef `json:"assets" yaml:"assets"`
	Documents       []Document `json:"documents" yaml:"documents"`
}

// Clone returns a deep copy.
func (p *ProjectContext) Clone() *ProjectContext {
	if p == nil {
		return nil
	}
	c := *p
	c.StyleGuidelines = append([]string(nil), p.StyleGuidelines...)
	c.Assets = append([]AssetRef(nil), p.Assets...)
	c.Documents = append([]Document(nil), p.Documents...)
	return &c
}

// Store looks projects up by id.
type Store interface {
	Lookup(ctx context.Context, id string) (*ProjectContext, error)
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore keeps projects in a map. It backs tests and single-node
// deployments seeded from a YAML file.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*ProjectContext
}

// NewMemoryStore creates a store holding copies of projects.
func NewMemoryStore(projects ...ProjectContext) *MemoryStore {
	s := &MemoryStore{projects: make(map[string]*ProjectContext, len(projects))}
	for i := range projects {
		s.Put(projects[i])
	}
	return s
}

type projectsFile struct {
	Projects []ProjectContext `yaml:"projects"`
}

// LoadYAML reads a file of the form `projects: [...]` into a MemoryStore.
func LoadYAML(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}
	var file projectsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse projects file %s: %w", path, err)
	}
	for i, p := range file.Projects {
		if p.ID == "" {
			return nil, fmt.Errorf("parse projects file %s: project #%d has no id", path, i+1)
		}
	}
	return NewMemoryStore(file.Projects...), nil
}

// Put inserts or replaces a project.
func (s *MemoryStore) Put(p ProjectContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p.Clone()
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(ctx context.Context, id string) (*ProjectContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

// Len returns the number of projects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.projects)
}
