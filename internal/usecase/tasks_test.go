package usecase

import (
	"context"
	"testing"
	"time"

	"taskq/internal/domain"
	"taskq/internal/infra/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInterrupter struct {
	ids []string
}

func (r *recordingInterrupter) Interrupt(id string) bool {
	r.ids = append(r.ids, id)
	return true
}

func markFailed(t *testing.T, svc Tasks, task domain.Task, reason string) domain.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, task.Transition(domain.StatusRunning, time.Now()))
	require.NoError(t, svc.Store.Update(ctx, task))
	require.NoError(t, task.Fail(reason, time.Now()))
	require.NoError(t, svc.Store.Update(ctx, task))
	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	return got
}

func TestTasks_CreateTask(t *testing.T) {
	svc := Tasks{Store: memstore.New()}
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "analysis", map[string]any{}, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Nil(t, task.Result)
	assert.Nil(t, task.Error)

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = svc.CreateTask(ctx, "  ", nil, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestTasks_GetTask_NotFound(t *testing.T) {
	svc := Tasks{Store: memstore.New()}
	_, err := svc.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTasks_ListTasks(t *testing.T) {
	svc := Tasks{Store: memstore.New()}
	ctx := context.Background()

	a, err := svc.CreateTask(ctx, "analysis", nil, 0)
	require.NoError(t, err)
	b, err := svc.CreateTask(ctx, "report", nil, 0)
	require.NoError(t, err)
	markFailed(t, svc, b, "boom")

	pending := domain.StatusPending
	got, err := svc.ListTasks(ctx, &pending, nil, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	all, err := svc.ListTasks(ctx, nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bogus := domain.TaskStatus("sleeping")
	_, err = svc.ListTasks(ctx, &bogus, nil, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestTasks_RetryTask(t *testing.T) {
	ctx := context.Background()

	t.Run("failed task is retried as a new record", func(t *testing.T) {
		svc := Tasks{Store: memstore.New()}
		task, err := svc.CreateTask(ctx, "report", map[string]any{"period": "q3"}, 7)
		require.NoError(t, err)
		failed := markFailed(t, svc, task, "boom")

		next, err := svc.RetryTask(ctx, task.ID)
		require.NoError(t, err)
		assert.NotEqual(t, task.ID, next.ID)
		assert.Equal(t, "report", next.Type)
		assert.Equal(t, map[string]any{"period": "q3"}, next.Params)
		assert.Equal(t, 7, next.Priority)
		assert.Equal(t, domain.StatusPending, next.Status)

		orig, err := svc.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, failed, orig)
	})

	t.Run("non failed task is rejected", func(t *testing.T) {
		svc := Tasks{Store: memstore.New()}
		task, err := svc.CreateTask(ctx, "report", nil, 0)
		require.NoError(t, err)

		_, err = svc.RetryTask(ctx, task.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		all, err := svc.ListTasks(ctx, nil, nil, 0)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, task, all[0])
	})

	t.Run("unknown task", func(t *testing.T) {
		svc := Tasks{Store: memstore.New()}
		_, err := svc.RetryTask(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestTasks_CancelTask(t *testing.T) {
	ctx := context.Background()

	t.Run("pending task is cancelled idempotently", func(t *testing.T) {
		intr := &recordingInterrupter{}
		svc := Tasks{Store: memstore.New(), Interrupter: intr}
		task, err := svc.CreateTask(ctx, "analysis", nil, 0)
		require.NoError(t, err)

		got, err := svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, got.Status)
		assert.Equal(t, []string{task.ID}, intr.ids)

		again, err := svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, again.Status)
		// already terminal: nothing left to interrupt
		assert.Len(t, intr.ids, 1)

		stored, err := svc.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, stored.Status)
		assert.False(t, stored.UpdatedAt.Before(stored.CreatedAt))
	})

	t.Run("running task is cancelled", func(t *testing.T) {
		svc := Tasks{Store: memstore.New()}
		task, err := svc.CreateTask(ctx, "analysis", nil, 0)
		require.NoError(t, err)
		require.NoError(t, task.Transition(domain.StatusRunning, time.Now()))
		require.NoError(t, svc.Store.Update(ctx, task))

		got, err := svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, got.Status)
	})

	t.Run("terminal task is left alone", func(t *testing.T) {
		svc := Tasks{Store: memstore.New()}
		task, err := svc.CreateTask(ctx, "analysis", nil, 0)
		require.NoError(t, err)
		failed := markFailed(t, svc, task, "boom")

		got, err := svc.CancelTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, failed, got)
	})

	t.Run("unknown task", func(t *testing.T) {
		svc := Tasks{Store: memstore.New()}
		_, err := svc.CancelTask(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
