package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// JobHandler executes one kind of job.
// Domain packages implement it so the queue and worker pool stay domain-agnostic.
type JobHandler interface {
	// Execute runs the job and returns the result to store on the job row.
	// Handlers decode job.Payload themselves and must return promptly once
	// ctx is cancelled.
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)

	// Name routes jobs to this handler (e.g. "cache.extract")
	Name() string
}

// HandlerRegistry manages job handlers by name.
// Safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name, or nil.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobExecutor runs a dequeued job
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)
}

// RegistryExecutor dispatches jobs to the handler registered under job.HandlerName
type RegistryExecutor struct {
	registry *HandlerRegistry
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute implements JobExecutor.
func (e *RegistryExecutor) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	if job.HandlerName == "" {
		return nil, fmt.Errorf("job missing handler_name")
	}

	handler := e.registry.Get(job.HandlerName)
	if handler == nil {
		return nil, fmt.Errorf("no handler registered for handler name: %s", job.HandlerName)
	}
	return handler.Execute(ctx, job)
}
