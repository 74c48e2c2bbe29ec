package invoker

import (
	"fmt"
	"sync"
)

// Registry maps invoker names and model strings to descriptors.
//
// Model lookup order: exact string, prefix-stripped string, configured
// default, then the first invoker whose availability probe succeeds.
// When two invokers claim the same model string, the first registration
// wins — later claims are ignored, not an error.
type Registry struct {
	mu          sync.RWMutex
	byName      map[string]*Descriptor
	byModel     map[string]*Descriptor
	order       []string // registration order, for probing
	defaultName string
}

// NewRegistry creates an empty invoker registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Descriptor),
		byModel: make(map[string]*Descriptor),
	}
}

// Register adds a descriptor and indexes its supported models.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("invoker %q already registered", d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)

	for _, m := range d.SupportedModels {
		if _, claimed := r.byModel[m]; !claimed {
			r.byModel[m] = d
		}
	}
	return nil
}

// Get returns the named invoker, or an error if unknown.
func (r *Registry) Get(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown invoker %q", name)
	}
	return d, nil
}

// GetForModel resolves the invoker for a model string, which may carry a
// provider prefix.
func (r *Registry) GetForModel(model string) (*Descriptor, error) {
	r.mu.RLock()
	if d, ok := r.byModel[model]; ok {
		r.mu.RUnlock()
		return d, nil
	}
	if d, ok := r.byModel[StripModelPrefix(model)]; ok {
		r.mu.RUnlock()
		return d, nil
	}
	defaultName := r.defaultName
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	if defaultName != "" {
		return r.Get(defaultName)
	}

	// Last resort: probe invokers in registration order.
	for _, name := range order {
		d, err := r.Get(name)
		if err != nil {
			continue
		}
		if d.Available() {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no invoker accepts model %q and none are available", model)
}

// SetDefault marks an already-registered invoker as the fallback for
// unindexed models.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("cannot set default: invoker %q is not registered", name)
	}
	r.defaultName = name
	return nil
}

// GetDefault returns the default invoker, or nil when none is configured.
func (r *Registry) GetDefault() *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultName == "" {
		return nil
	}
	return r.byName[r.defaultName]
}

// List returns descriptors in registration order.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// FindAvailable probes invokers sequentially in registration order and
// returns the first that reports available, or nil when none do.
func (r *Registry) FindAvailable() *Descriptor {
	for _, d := range r.List() {
		if d.Available() {
			return d
		}
	}
	return nil
}
