package actions

import (
	"sort"
	"sync"

	"github.com/rendis/bizflow/pkg/schema"
)

// Registry holds the named handlers CUSTOM actions dispatch to.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]CustomHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]CustomHandler)}
}

// Register adds a handler. Returns CONFLICT on a duplicate name.
func (r *Registry) Register(name string, h CustomHandler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "custom handler is nil")
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "custom handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "custom handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (CustomHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
