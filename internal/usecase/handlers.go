package usecase

import (
	"context"
	"sort"
	"sync"

	"taskq/internal/domain"
)

// ProgressFunc persists a completion fraction in [0, 1] for the running task.
type ProgressFunc func(ctx context.Context, fraction float64) error

// Handler performs the work of one task type. A returned error fails the
// task; handlers must return promptly once ctx is done.
type Handler func(ctx context.Context, t domain.Task, progress ProgressFunc) (map[string]any, error)

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds h to taskType, replacing any previous handler.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RegisterBuiltins installs the "analysis" and "report" handlers.
func RegisterBuiltins(r *Registry) {
	r.Register("analysis", completedStub)
	r.Register("report", completedStub)
}

func completedStub(ctx context.Context, t domain.Task, progress ProgressFunc) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return map[string]any{"status": "completed", "type": t.Type}, nil
}
