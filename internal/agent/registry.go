package agent

import (
	"sort"
	"sync"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

// Registry maps agent names to definitions and tracks a default agent for
// tasks that don't name one. Safe for concurrent use, though in practice
// registration happens on the loop thread before execution begins.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]*Definition
	defaultName string
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Definition)}
}

// Register adds a definition. Re-registering a name replaces the previous
// definition.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.Name()] = def
}

// Get returns the named definition, or nil if unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

// SetDefault marks an already-registered agent as the default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		return coreerr.New(coreerr.KindConfigInvalid, "cannot set default: agent %q is not registered", name)
	}
	r.defaultName = name
	return nil
}

// Default returns the default definition, or nil when none is set.
func (r *Registry) Default() *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultName == "" {
		return nil
	}
	return r.agents[r.defaultName]
}

// List returns registered agent names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
