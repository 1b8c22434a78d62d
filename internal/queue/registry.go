package queue

import (
	"fmt"
	"sync"

	"labqueue/internal/models"
)

// actionTaskPrefix names tasks spawned from generic workflow actions.
const actionTaskPrefix = "task_action_"

// ActionTaskName returns the task name for a generic workflow action.
func ActionTaskName(action string) string {
	return actionTaskPrefix + action
}

// Registry maps task names to their handlers. Registration happens at process
// start and the registry is sealed before the dispatcher starts; afterwards
// the mapping is immutable.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]models.TaskHandler
	sealed   bool
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]models.TaskHandler)}
}

// Register binds a handler to a task name. Exactly one handler may be bound
// per name.
func (r *Registry) Register(name string, handler models.TaskHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed, cannot register %q", name)
	}
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("handler already registered for %q", name)
	}
	r.handlers[name] = handler
	return nil
}

// RegisterAll ...
func (r *Registry) RegisterAll(handlers map[string]models.TaskHandler) error {
	for name, handler := range handlers {
		if err := r.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// Seal freezes the registry against further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Handler ...
func (r *Registry) Handler(name string) (models.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[name]
	return handler, ok
}
