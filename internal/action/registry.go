package action

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh, uninitialized Action.
type Factory func(d Deps) Action

// Registry maps action type names to factories.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry(d Deps) *Registry {
	return &Registry{deps: d, factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in action registered.
func DefaultRegistry(d Deps) *Registry {
	r := NewRegistry(d)
	for name, f := range builtins() {
		// 內建名稱不會重複
		_ = r.Register(name, f)
	}
	return r
}

// Register adds a factory; registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("action: invalid registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("action: %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Create builds and initializes the action registered as name.
func (r *Registry) Create(name string, params map[string]string) (Action, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	a := f(r.deps)
	if err := a.Init(params); err != nil {
		return nil, fmt.Errorf("action %s: init: %w", name, err)
	}
	return a, nil
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
