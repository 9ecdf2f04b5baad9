package ports

import (
	"context"
	"taskq/internal/domain"
)

// TaskStore is the durable record of every task. Implementations wrap I/O
// failures in *domain.StorageError and report missing ids as domain.ErrNotFound.
type TaskStore interface {
	Create(ctx context.Context, taskType string, params map[string]any, priority int) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error)
	// Update overwrites status, result, error and progress (last writer wins).
	Update(ctx context.Context, t domain.Task) error
	// CompareAndUpdate behaves like Update but only when the persisted status
	// equals expect; otherwise it returns domain.ErrConflict.
	CompareAndUpdate(ctx context.Context, t domain.Task, expect domain.TaskStatus) error
	Delete(ctx context.Context, id string) error
	Close() error
}

type Scheduler interface {
	Start()
	Stop()
	Running() bool
	// Interrupt cancels the local execution of id, if any.
	Interrupt(id string) bool
}

// Notifier is implemented by stores that can announce new tasks, letting the
// scheduler skip the rest of its idle poll interval.
type Notifier interface {
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}
