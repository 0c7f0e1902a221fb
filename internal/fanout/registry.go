package fanout

import (
	"sync"
	"time"
)

// Registry is the local set of canceled correlation ids, each stamped with
// the time this process learned of it. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]time.Time)}
}

// Add records id as canceled at the given time. An existing entry keeps its
// original timestamp.
func (r *Registry) Add(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		r.entries[id] = at
	}
}

// IsCanceled reports whether id is in the registry.
func (r *Registry) IsCanceled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Prune removes entries recorded before cutoff and returns how many were
// removed.
func (r *Registry) Prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, at := range r.entries {
		if at.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
