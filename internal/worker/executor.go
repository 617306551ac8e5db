package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"pubfleet/internal/taskstore"
)

// Executor runs tasks of one type. The payload is opaque to the pool;
// executors decode it themselves. A nil error with a result moves the
// task to success; Fatal errors to failed; everything else is retried.
type Executor interface {
	Execute(ctx context.Context, task taskstore.Task) (result json.RawMessage, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task taskstore.Task) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task taskstore.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Registry maps task types to executors. Registration happens at
// composition time; lookups are concurrent.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Executor)}
}

func (r *Registry) Register(taskType string, ex Executor) error {
	if taskType == "" {
		return fmt.Errorf("worker: executor type is required")
	}
	if ex == nil {
		return fmt.Errorf("worker: nil executor for type %q", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[taskType]; exists {
		return fmt.Errorf("worker: executor for type %q already registered", taskType)
	}
	r.byType[taskType] = ex
	return nil
}

func (r *Registry) Lookup(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.byType[taskType]
	return ex, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
