package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskq/internal/domain"
	"taskq/internal/ports"

	"github.com/rs/zerolog/log"
)

const cancelAttempts = 5

// Interrupter stops a task executing in this process. *Scheduler implements it.
type Interrupter interface {
	Interrupt(id string) bool
}

// Tasks exposes the caller-facing task operations.
type Tasks struct {
	Store ports.TaskStore
	// Interrupter may be nil when no scheduler runs in this process; a cancel
	// is then picked up by the remote scheduler's cancellation watcher.
	Interrupter Interrupter
}

func (s Tasks) CreateTask(ctx context.Context, taskType string, params map[string]any, priority int) (domain.Task, error) {
	if strings.TrimSpace(taskType) == "" {
		return domain.Task{}, fmt.Errorf("%w: task type is required", domain.ErrInvalidState)
	}
	t, err := s.Store.Create(ctx, taskType, params, priority)
	if err != nil {
		return domain.Task{}, err
	}
	log.Ctx(ctx).Info().Str("task_id", t.ID).Str("task_type", t.Type).Msg("task created")
	return t, nil
}

func (s Tasks) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.Store.Get(ctx, id)
}

func (s Tasks) ListTasks(ctx context.Context, status *domain.TaskStatus, since *time.Time, limit int) ([]domain.Task, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidState, *status)
	}
	return s.Store.List(ctx, domain.ListFilter{Status: status, Since: since, Limit: limit})
}

// CancelTask marks a pending or running task cancelled and interrupts its
// local execution. Cancelling a terminal task is a no-op.
func (s Tasks) CancelTask(ctx context.Context, id string) (domain.Task, error) {
	for range cancelAttempts {
		t, err := s.Store.Get(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if t.IsTerminal() {
			return t, nil
		}

		prev := t.Status
		if err := t.Transition(domain.StatusCancelled, time.Now().UTC()); err != nil {
			return domain.Task{}, err
		}
		err = s.Store.CompareAndUpdate(ctx, t, prev)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Task{}, err
		}

		interrupted := false
		if s.Interrupter != nil {
			interrupted = s.Interrupter.Interrupt(id)
		}
		log.Ctx(ctx).Info().
			Str("task_id", id).
			Str("from", string(prev)).
			Bool("interrupted", interrupted).
			Msg("task cancelled")
		return t, nil
	}
	return domain.Task{}, fmt.Errorf("cancel task %s: %w", id, domain.ErrConflict)
}

// RetryTask creates a new pending task from a failed one. The failed record
// is left untouched.
func (s Tasks) RetryTask(ctx context.Context, id string) (domain.Task, error) {
	old, err := s.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if old.Status != domain.StatusFailed {
		return domain.Task{}, fmt.Errorf("%w: can only retry failed tasks, current status: %s", domain.ErrInvalidState, old.Status)
	}
	next, err := retryOf(ctx, s.Store, old)
	if err != nil {
		return domain.Task{}, err
	}
	log.Ctx(ctx).Info().Str("task_id", next.ID).Str("retry_of", old.ID).Msg("task retried")
	return next, nil
}

func retryOf(ctx context.Context, store ports.TaskStore, old domain.Task) (domain.Task, error) {
	return store.Create(ctx, old.Type, old.Params, old.Priority)
}
