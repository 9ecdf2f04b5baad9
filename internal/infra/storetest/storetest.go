// Package storetest holds behaviour tests shared by every TaskStore backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskq/internal/domain"
	"taskq/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store; cleanup is registered through t.
type Factory func(t *testing.T) ports.TaskStore

func Run(t *testing.T, newStore Factory) {
	t.Run("create and get", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("get missing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("create rejects unencodable params", func(t *testing.T) { testCreateUnencodable(t, newStore(t)) })
	t.Run("list ordering and limit", func(t *testing.T) { testListOrdering(t, newStore(t)) })
	t.Run("list filters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("compare and update", func(t *testing.T) { testCompareAndUpdate(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

func testCreateGet(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()

	created, err := s.Create(ctx, "analysis", map[string]any{"q": "x", "n": 2.0}, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Nil(t, created.Result)
	assert.Nil(t, created.Error)
	assert.Nil(t, created.Progress)
	assert.True(t, created.CreatedAt.Equal(created.UpdatedAt))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "analysis", got.Type)
	assert.Equal(t, map[string]any{"q": "x", "n": 2.0}, got.Params)
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", created.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)

	other, err := s.Create(ctx, "analysis", nil, 0)
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
	assert.NotNil(t, other.Params)
}

func testCreateUnencodable(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	_, err := s.Create(ctx, "report", map[string]any{"ch": make(chan int)}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.False(t, domain.IsStorageError(err))

	all, err := s.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testGetMissing(t *testing.T, s ports.TaskStore) {
	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, domain.IsStorageError(err))
}

func createN(t *testing.T, s ports.TaskStore, n int, taskType string) []domain.Task {
	t.Helper()
	out := make([]domain.Task, 0, n)
	for range n {
		task, err := s.Create(context.Background(), taskType, map[string]any{}, 0)
		require.NoError(t, err)
		out = append(out, task)
		// keep created_at strictly increasing at microsecond precision
		time.Sleep(2 * time.Millisecond)
	}
	return out
}

func ids(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func testListOrdering(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	tasks := createN(t, s, 4, "report")

	got, err := s.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[3].ID, tasks[2].ID, tasks[1].ID, tasks[0].ID}, ids(got))

	got, err = s.List(ctx, domain.ListFilter{OldestFirst: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[0].ID, tasks[1].ID}, ids(got))

	got, err = s.List(ctx, domain.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[3].ID}, ids(got))
}

func testListFilters(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	tasks := createN(t, s, 3, "analysis")

	running := tasks[1]
	require.NoError(t, running.Transition(domain.StatusRunning, time.Now()))
	require.NoError(t, s.Update(ctx, running))

	pending := domain.StatusPending
	got, err := s.List(ctx, domain.ListFilter{Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[2].ID, tasks[0].ID}, ids(got))
	for _, task := range got {
		assert.Equal(t, domain.StatusPending, task.Status)
	}

	rs := domain.StatusRunning
	got, err = s.List(ctx, domain.ListFilter{Status: &rs})
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID}, ids(got))

	since := tasks[1].CreatedAt
	got, err = s.List(ctx, domain.ListFilter{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[2].ID, tasks[1].ID}, ids(got))

	got, err = s.List(ctx, domain.ListFilter{Since: &since, Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, []string{tasks[2].ID}, ids(got))

	future := time.Now().Add(time.Hour)
	got, err = s.List(ctx, domain.ListFilter{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testUpdate(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	task, err := s.Create(ctx, "analysis", map[string]any{"k": "v"}, 1)
	require.NoError(t, err)

	require.NoError(t, task.Transition(domain.StatusRunning, time.Now()))
	p := 0.5
	task.Progress = &p
	require.NoError(t, s.Update(ctx, task))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	require.NotNil(t, got.Progress)
	assert.InDelta(t, 0.5, *got.Progress, 1e-9)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	require.NoError(t, got.Complete(map[string]any{"status": "completed"}, time.Now()))
	require.NoError(t, s.Update(ctx, got))

	done, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"status": "completed"}, done.Result)
	assert.Nil(t, done.Error)
	// immutable fields survive a full overwrite
	assert.Equal(t, "analysis", done.Type)
	assert.Equal(t, map[string]any{"k": "v"}, done.Params)
	assert.Equal(t, 1, done.Priority)

	missing := domain.Task{ID: "missing", Status: domain.StatusFailed}
	assert.ErrorIs(t, s.Update(ctx, missing), domain.ErrNotFound)
}

func testCompareAndUpdate(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	task, err := s.Create(ctx, "report", nil, 0)
	require.NoError(t, err)

	claim := task
	require.NoError(t, claim.Transition(domain.StatusRunning, time.Now()))
	require.NoError(t, s.CompareAndUpdate(ctx, claim, domain.StatusPending))

	// a second claimer loses
	err = s.CompareAndUpdate(ctx, claim, domain.StatusPending)
	assert.ErrorIs(t, err, domain.ErrConflict)

	failed := claim
	require.NoError(t, failed.Fail("boom", time.Now()))
	require.NoError(t, s.CompareAndUpdate(ctx, failed, domain.StatusRunning))

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", *got.Error)
	assert.Nil(t, got.Result)

	failedStatus := domain.StatusFailed
	list, err := s.List(ctx, domain.ListFilter{Status: &failedStatus})
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, ids(list))

	err = s.CompareAndUpdate(ctx, domain.Task{ID: "missing"}, domain.StatusPending)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)
}

func testDelete(t *testing.T, s ports.TaskStore) {
	ctx := context.Background()
	task, err := s.Create(ctx, "report", nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, task.ID))
	_, err = s.Get(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := s.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, s.Delete(ctx, task.ID), domain.ErrNotFound)
}
