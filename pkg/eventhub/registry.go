package eventhub

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ModuleFactory builds a callback from a subscription's stored parameters.
type ModuleFactory func(params json.RawMessage) (Callback, error)

// Registry maps processing module names to callback factories. Managed
// subscriptions name a module in the database; the subscriber resolves it
// here at subscribe time. Code is never loaded from the database.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ModuleFactory
}

// DefaultRegistry is the registry used unless WithRegistry overrides it.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ModuleFactory)}
}

// Register binds a module name to a factory, replacing any prior binding.
func (r *Registry) Register(name string, factory ModuleFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// RegisterCallback binds a module name to a fixed callback that ignores
// subscription parameters.
func (r *Registry) RegisterCallback(name string, cb Callback) {
	r.Register(name, func(json.RawMessage) (Callback, error) { return cb, nil })
}

// Resolve builds the callback for a named module with the given
// subscription parameters.
func (r *Registry) Resolve(name string, params json.RawMessage) (Callback, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModuleNotRegistered, name)
	}
	cb, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("build callback for module %q: %w", name, err)
	}
	return cb, nil
}
