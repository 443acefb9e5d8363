package arena

import (
	"sort"
	"sync"
)

// Registry holds the live arenas. Arenas exist only in memory; history that
// outlives a round goes to the career ledger instead.
type Registry struct {
	mu     sync.RWMutex
	arenas map[string]*Arena
}

func NewRegistry() *Registry {
	return &Registry{arenas: make(map[string]*Arena)}
}

// Add registers an arena.
func (r *Registry) Add(a *Arena) {
	r.mu.Lock()
	r.arenas[a.ID] = a
	r.mu.Unlock()
}

// Get returns an arena by ID.
func (r *Registry) Get(id string) (*Arena, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.arenas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// List returns all arenas, newest first.
func (r *Registry) List() []*Arena {
	r.mu.RLock()
	out := make([]*Arena, 0, len(r.arenas))
	for _, a := range r.arenas {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Remove drops an arena from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.arenas, id)
	r.mu.Unlock()
}

// Count returns the number of registered arenas.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arenas)
}
