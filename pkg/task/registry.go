package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds task definitions by name.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Definition, 4)}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.New("task name is required")
	}

	if def.Run == nil {
		return fmt.Errorf("task %s has no body", def.Name)
	}

	if def.MaxRetries < 0 {
		return fmt.Errorf("task %s: max retries must not be negative", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[def.Name]; ok {
		return fmt.Errorf("task %s already registered", def.Name)
	}

	r.tasks[def.Name] = def

	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tasks[name]

	return def, ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
