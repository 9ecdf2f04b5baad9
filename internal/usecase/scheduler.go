package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"taskq/internal/config"
	"taskq/internal/domain"
	"taskq/internal/ports"
	"taskq/pkg/backoff"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	reasonRestarted = "interrupted: scheduler restarted"
	reasonShutdown  = "interrupted by scheduler shutdown"

	recoveryPageSize  = 100
	finalWriteTimeout = 5 * time.Second
)

var (
	errTaskCancelled = errors.New("task cancelled")
	errTaskTimeout   = errors.New("task timed out")
)

var _ ports.Scheduler = (*Scheduler)(nil)

type SchedulerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// Concurrency > 1 runs a claimed batch in parallel goroutines.
	Concurrency int
	// TaskTimeout of zero disables the per-task deadline.
	TaskTimeout    time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	RecoveryPolicy string
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:      5,
		PollInterval:   time.Second,
		Concurrency:    1,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
		RecoveryPolicy: config.RecoveryFail,
	}
}

// SchedulerConfigFrom maps environment configuration onto a SchedulerConfig.
func SchedulerConfigFrom(c config.Scheduler) SchedulerConfig {
	return SchedulerConfig{
		BatchSize:      c.BatchSize,
		PollInterval:   c.PollInterval,
		Concurrency:    c.Concurrency,
		TaskTimeout:    c.TaskTimeout,
		BaseBackoff:    c.BaseBackoff,
		MaxBackoff:     c.MaxBackoff,
		RecoveryPolicy: c.RecoveryPolicy,
	}
}

// Scheduler polls the store for pending tasks and runs them. Only one
// scheduler should run against a given store.
type Scheduler struct {
	store    ports.TaskStore
	handlers *Registry
	cfg      SchedulerConfig
	now      func() time.Time

	// lifeMu serialises Start and Stop.
	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	mu      sync.Mutex
	handles map[string]context.CancelCauseFunc
}

func NewScheduler(store ports.TaskStore, handlers *Registry, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RecoveryPolicy == "" {
		cfg.RecoveryPolicy = def.RecoveryPolicy
	}
	return &Scheduler{
		store:    store,
		handlers: handlers,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		handles:  map[string]context.CancelCauseFunc{},
	}
}

// Start launches the polling loop. Calling it on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	log.Info().
		Int("batch_size", s.cfg.BatchSize).
		Dur("poll_interval", s.cfg.PollInterval).
		Int("concurrency", s.cfg.Concurrency).
		Strs("types", s.handlers.Types()).
		Msg("scheduler started")

	go s.run(ctx, s.done)
}

// Stop ends the loop and waits for in-flight tasks to be persisted. No store
// writes happen after Stop returns.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.running.Store(false)
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Interrupt cancels the local execution of a task and forgets its handle.
func (s *Scheduler) Interrupt(id string) bool {
	s.mu.Lock()
	cancel, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if ok {
		cancel(errTaskCancelled)
	}
	return ok
}

func (s *Scheduler) register(id string, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = cancel
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	wake := s.subscribe(ctx)
	recovered := s.cfg.RecoveryPolicy == config.RecoveryNone
	failures := 0
	for ctx.Err() == nil {
		var (
			n   int
			err error
		)
		if !recovered {
			err = s.safely(func() error { return s.recoverStale(ctx) })
			recovered = err == nil
			n = -1
		} else {
			err = s.safely(func() (e error) {
				n, e = s.poll(ctx)
				return e
			})
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := backoff.ExponentialJitter(s.cfg.BaseBackoff, s.cfg.MaxBackoff, failures)
			log.Error().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("scheduler poll failed")
			if !sleep(ctx, delay, nil) {
				return
			}
			continue
		}
		failures = 0

		if n == 0 && !sleep(ctx, s.cfg.PollInterval, wake) {
			return
		}
	}
}

// safely turns a panic escaping the loop body into an error.
func (s *Scheduler) safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panic: %v", r)
		}
	}()
	return fn()
}

func (s *Scheduler) poll(ctx context.Context) (int, error) {
	pending := domain.StatusPending
	tasks, err := s.store.List(ctx, domain.ListFilter{
		Status:      &pending,
		Limit:       s.cfg.BatchSize,
		OldestFirst: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}

	if s.cfg.Concurrency <= 1 {
		for _, t := range tasks {
			if ctx.Err() != nil {
				break
			}
			if err := s.process(ctx, t); err != nil {
				return len(tasks), err
			}
		}
		return len(tasks), nil
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error { return s.process(ctx, t) })
	}
	return len(tasks), g.Wait()
}

// process claims one pending task, runs its handler and persists the outcome.
// Only store failures are returned.
func (s *Scheduler) process(ctx context.Context, t domain.Task) error {
	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// the handle is visible before the claim so a cancel racing the claim
	// always finds something to interrupt
	s.register(t.ID, cancel)
	defer s.unregister(t.ID)

	claimed := t
	if err := claimed.Transition(domain.StatusRunning, s.now()); err != nil {
		return nil
	}
	if err := s.store.CompareAndUpdate(ctx, claimed, domain.StatusPending); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			log.Debug().Str("task_id", t.ID).Err(err).Msg("claim lost")
			return nil
		}
		return fmt.Errorf("claim task %s: %w", t.ID, err)
	}

	logger := log.With().Str("task_id", t.ID).Str("task_type", t.Type).Logger()
	execCtx = logger.WithContext(execCtx)
	if s.cfg.TaskTimeout > 0 {
		var stop context.CancelFunc
		execCtx, stop = context.WithTimeoutCause(execCtx, s.cfg.TaskTimeout, errTaskTimeout)
		defer stop()
	}
	logger.Info().Msg("task started")

	var progress progressState
	stopWatch := s.watchCancellation(execCtx, t.ID, cancel)
	result, runErr := s.execute(execCtx, claimed, s.progressFunc(claimed, &progress))
	stopWatch()

	final := claimed
	final.Progress = progress.load()
	cause := context.Cause(execCtx)
	switch {
	case errors.Is(cause, errTaskCancelled):
		_ = final.Transition(domain.StatusCancelled, s.now())
	case runErr == nil:
		_ = final.Complete(result, s.now())
	case errors.Is(cause, errTaskTimeout):
		_ = final.Fail(fmt.Sprintf("task timed out after %s", s.cfg.TaskTimeout), s.now())
	case ctx.Err() != nil:
		_ = final.Fail(reasonShutdown, s.now())
	default:
		_ = final.Fail(runErr.Error(), s.now())
	}

	writeCtx := ctx
	if ctx.Err() != nil {
		var stop context.CancelFunc
		writeCtx, stop = context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
		defer stop()
	}
	if err := s.store.CompareAndUpdate(writeCtx, final, domain.StatusRunning); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			logger.Debug().Err(err).Msg("task changed while running, outcome dropped")
			return nil
		}
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}

	switch final.Status {
	case domain.StatusCompleted:
		logger.Info().Msg("task completed")
	case domain.StatusFailed:
		logger.Warn().Str("error", final.ErrorString()).Msg("task failed")
	case domain.StatusCancelled:
		logger.Info().Msg("task cancelled")
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, t domain.Task, progress ProgressFunc) (result map[string]any, err error) {
	h, ok := s.handlers.Lookup(t.Type)
	if !ok {
		return nil, &domain.HandlerError{Type: t.Type, Err: fmt.Errorf("unknown task type %q", t.Type)}
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &domain.HandlerError{Type: t.Type, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	result, err = h(ctx, t, progress)
	if err != nil {
		return nil, &domain.HandlerError{Type: t.Type, Err: err}
	}
	return result, nil
}

// progressState holds the last fraction persisted for a running task so the
// final write carries it over.
type progressState struct {
	mu sync.Mutex
	v  *float64
}

func (p *progressState) load() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.v == nil {
		return nil
	}
	v := *p.v
	return &v
}

func (s *Scheduler) progressFunc(t domain.Task, state *progressState) ProgressFunc {
	return func(ctx context.Context, fraction float64) error {
		if math.IsNaN(fraction) {
			return fmt.Errorf("%w: progress is NaN", domain.ErrInvalidState)
		}
		fraction = min(max(fraction, 0), 1)

		state.mu.Lock()
		defer state.mu.Unlock()
		cur := t
		cur.Status = domain.StatusRunning
		cur.Progress = &fraction
		err := s.store.CompareAndUpdate(ctx, cur, domain.StatusRunning)
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("task %s is no longer running: %w", t.ID, err)
		}
		if err != nil {
			return err
		}
		state.v = &fraction
		return nil
	}
}

// watchCancellation interrupts the execution when the stored status turns
// cancelled, which is how a cancel issued by another process is observed.
func (s *Scheduler) watchCancellation(ctx context.Context, id string, cancel context.CancelCauseFunc) (stop func()) {
	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
			t, err := s.store.Get(watchCtx, id)
			if err != nil {
				if watchCtx.Err() == nil {
					log.Ctx(ctx).Debug().Err(err).Msg("cancellation check failed")
				}
				continue
			}
			if t.Status == domain.StatusCancelled {
				cancel(errTaskCancelled)
				return
			}
		}
	}()
	return func() {
		stopWatch()
		wg.Wait()
	}
}

// recoverStale applies the recovery policy to tasks left running by a
// previous process.
func (s *Scheduler) recoverStale(ctx context.Context) error {
	running := domain.StatusRunning
	for {
		tasks, err := s.store.List(ctx, domain.ListFilter{
			Status:      &running,
			Limit:       recoveryPageSize,
			OldestFirst: true,
		})
		if err != nil {
			return fmt.Errorf("list stale tasks: %w", err)
		}

		for _, t := range tasks {
			if err := s.recoverOne(ctx, t); err != nil {
				return err
			}
		}

		if len(tasks) < recoveryPageSize {
			return nil
		}
	}
}

// recoverOne fails a stale task. Under the retry policy the replacement is
// created first, so the stale record only leaves RUNNING once its successor
// exists and a failed pass is simply repeated.
func (s *Scheduler) recoverOne(ctx context.Context, t domain.Task) error {
	failed := t
	if err := failed.Fail(reasonRestarted, s.now()); err != nil {
		return nil
	}

	var next *domain.Task
	if s.cfg.RecoveryPolicy == config.RecoveryRetry {
		n, err := retryOf(ctx, s.store, failed)
		if err != nil {
			return fmt.Errorf("requeue task %s: %w", t.ID, err)
		}
		next = &n
	}

	err := s.store.CompareAndUpdate(ctx, failed, domain.StatusRunning)
	if err != nil {
		if next != nil {
			// the stale record stays as it was; drop the replacement
			if derr := s.store.Delete(ctx, next.ID); derr != nil && !errors.Is(derr, domain.ErrNotFound) {
				log.Error().Err(derr).Str("task_id", t.ID).Str("retry_id", next.ID).Msg("failed to drop unused replacement")
			}
		}
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("recover task %s: %w", t.ID, err)
	}

	ev := log.Warn().Str("task_id", t.ID).Str("task_type", t.Type)
	if next != nil {
		ev = ev.Str("retry_id", next.ID)
	}
	ev.Msg("recovered stale running task")
	return nil
}

// subscribe returns the store's creation signal, or nil when the store has
// none and the loop relies on polling alone.
func (s *Scheduler) subscribe(ctx context.Context) <-chan struct{} {
	n, ok := s.store.(ports.Notifier)
	if !ok {
		return nil
	}
	wake, err := n.Subscribe(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("task notifications unavailable; polling only")
		return nil
	}
	return wake
}

// sleep waits for d, an early wake signal or ctx. It reports false once ctx
// is done.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case _, ok := <-wake:
		if ok {
			return true
		}
	}
	// subscription closed; wait out the interval
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
