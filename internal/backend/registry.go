package backend

import (
	"sort"
	"sync"
)

// Registry maps backend kinds to adapters. Registration happens at
// startup; lookups are lock-free against a copy-on-write map.
type Registry struct {
	mu          sync.Mutex
	current     map[string]Backend
	defaultKind string
}

// NewRegistry creates a registry whose Default resolves defaultKind.
func NewRegistry(defaultKind string) *Registry {
	return &Registry{current: map[string]Backend{}, defaultKind: defaultKind}
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Backend, len(r.current)+1)
	for kind, existing := range r.current {
		next[kind] = existing
	}
	next[b.Kind()] = b
	r.current = next
}

// Resolve returns the adapter for kind, or nil. An empty kind resolves
// the default backend.
func (r *Registry) Resolve(kind string) Backend {
	r.mu.Lock()
	snapshot := r.current
	defaultKind := r.defaultKind
	r.mu.Unlock()

	if kind == "" {
		kind = defaultKind
	}
	return snapshot[kind]
}

// Default returns the configured default adapter, or nil.
func (r *Registry) Default() Backend {
	return r.Resolve("")
}

// ListKinds enumerates registered backend kinds in sorted order.
func (r *Registry) ListKinds() []string {
	r.mu.Lock()
	snapshot := r.current
	r.mu.Unlock()

	kinds := make([]string, 0, len(snapshot))
	for kind := range snapshot {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
