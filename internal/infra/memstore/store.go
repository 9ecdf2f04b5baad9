// Package memstore is an in-process TaskStore. It is not durable and is meant
// for tests and local experiments.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"taskq/internal/domain"
	"taskq/internal/ports"

	"github.com/google/uuid"
)

var (
	_ ports.TaskStore = (*Store)(nil)
	_ ports.Notifier  = (*Store)(nil)
)

type Store struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	subs  map[chan struct{}]struct{}
	now   func() time.Time
}

func New() *Store {
	return &Store{
		tasks: map[string]domain.Task{},
		subs:  map[chan struct{}]struct{}{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(ctx context.Context, taskType string, params map[string]any, priority int) (domain.Task, error) {
	if params == nil {
		params = map[string]any{}
	}
	if _, err := json.Marshal(params); err != nil {
		return domain.Task{}, fmt.Errorf("%w: params are not JSON encodable: %v", domain.ErrInvalidState, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Params:    params,
		Priority:  priority,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = clone(t)
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return t, nil
}

// Subscribe signals every Create until ctx is done, then closes the channel.
func (s *Store) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return clone(t), nil
}

func (s *Store) List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if f.OldestFirst {
				return out[i].ID < out[j].ID
			}
			return out[i].ID > out[j].ID
		}
		if f.OldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(t)
}

func (s *Store) CompareAndUpdate(ctx context.Context, t domain.Task, expect domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expect {
		return domain.ErrConflict
	}
	return s.write(t)
}

// write copies the mutable fields onto the stored record; type, params,
// priority and created_at are immutable.
func (s *Store) write(t domain.Task) error {
	cur, ok := s.tasks[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.Status = t.Status
	cur.Result = maps.Clone(t.Result)
	cur.Error = t.Error
	cur.Progress = t.Progress
	cur.Touch(s.now())
	s.tasks[t.ID] = cur
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *Store) Close() error { return nil }

func clone(t domain.Task) domain.Task {
	t.Params = maps.Clone(t.Params)
	t.Result = maps.Clone(t.Result)
	if t.Error != nil {
		e := *t.Error
		t.Error = &e
	}
	if t.Progress != nil {
		p := *t.Progress
		t.Progress = &p
	}
	return t
}
