// Package registry dispatches (group, name) task pairs to the Handler
// registered for them, the same RWMutex-guarded map-of-name pattern used
// for MCP server registration, repurposed here for task handlers.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/saryou/taskkit/internal/task"
)

type key struct {
	group string
	name  string
}

// Registry maps (group, name) pairs to the Handler that runs them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]task.Handler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[key]task.Handler),
	}
}

// Register associates a Handler with a (group, name) pair. Registering the
// same pair twice replaces the previous handler.
func (r *Registry) Register(group, name string, h task.Handler) error {
	if group == "" || name == "" {
		return fmt.Errorf("registry: group and name must both be non-empty")
	}
	if h == nil {
		return fmt.Errorf("registry: handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{group, name}] = h
	return nil
}

// Get returns the Handler registered for (group, name), or (nil, false)
// when nothing is registered.
func (r *Registry) Get(group, name string) (task.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key{group, name}]
	return h, ok
}

// Groups returns the distinct set of groups with at least one registered
// handler, sorted ascending.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for k := range r.handlers {
		seen[k.group] = true
	}
	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered (group, name) pairs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
