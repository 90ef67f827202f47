// internal/route/registry.go
//
// Compiled-route registry.
//
// Context
// -------
// The registry maps route id → *Definition and, separately, URL path →
// *Definition for the HTTP layer.  It is populated at boot by LoadDir
// and is safe for concurrent reads thereafter.  Unlike a package-level
// map, the registry is an explicit object handed to the executor and
// the HTTP layer, so tests can build small ones inline.
package route

import (
	"sort"
	"sync"
)

// Registry holds compiled definitions.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Definition
	byPath map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Definition),
		byPath: make(map[string]*Definition),
	}
}

// Register inserts or replaces a definition.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[def.ID] = def
	r.byPath[def.Path] = def
}

// Get returns the definition for id.  The boolean is false when the id
// is unknown.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// GetByPath returns the definition mounted at path.
func (r *Registry) GetByPath(path string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byPath[path]
	return def, ok
}

// IDs returns all registered route ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns every definition, ordered by id.
func (r *Registry) All() []*Definition {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}
