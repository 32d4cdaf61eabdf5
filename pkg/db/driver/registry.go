package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maintains a mapping of driver names to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given driver name. It panics if the
// name is already registered, since that indicates a programming error.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	if _, exists := r.factories[key]; exists {
		panic(fmt.Sprintf("driver %q already registered", key))
	}
	r.factories[key] = factory
}

// Lookup returns the factory for the given driver name.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("no driver registered for %q (known: %s)",
			name, strings.Join(r.names(), ", "))
	}
	return factory, nil
}

// Names returns the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide driver registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
