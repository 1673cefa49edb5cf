package datamig

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry links migration identifiers to routines compiled into the binary.
// Generated Go migration files register themselves from init()
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registered
}

type registered struct {
	name string
	up   Routine
	down Routine
}

// DefaultRegistry is the registry used by Register and by managers that are
// not given one explicitly
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registered)}
}

// Register adds a migration to DefaultRegistry
func Register(id, name string, up, down Routine) {
	DefaultRegistry.Register(id, name, up, down)
}

// Register adds a migration. Registering the same identifier twice is a
// programming error and panics, like duplicate flag or driver registration
func (r *Registry) Register(id, name string, up, down Routine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		panic(fmt.Sprintf("datamig: migration %s registered twice", id))
	}
	r.entries[id] = registered{name: name, up: up, down: down}
}

// Lookup returns the module registered under id
func (r *Registry) Lookup(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return routines{up: e.up, down: e.down}, true
}

// IDs returns the registered identifiers in ascending order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// routines adapts a pair of Routine values to Module. A nil routine is a no-op
type routines struct {
	up   Routine
	down Routine
}

func (r routines) Up(ctx context.Context, db DataAPI, m *Migration, arg any) error {
	if r.up == nil {
		return nil
	}
	return r.up(ctx, db, m, arg)
}

func (r routines) Down(ctx context.Context, db DataAPI, m *Migration, arg any) error {
	if r.down == nil {
		return nil
	}
	return r.down(ctx, db, m, arg)
}
