package usecase

import (
	"context"
	"testing"
	"time"

	"taskq/internal/config"
	"taskq/internal/domain"
	"taskq/internal/infra/redisq"
	"taskq/internal/infra/sqlstore"
	"taskq/internal/ports"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// durableStores builds a fresh store per backend so the scheduler runs
// against the real compare-and-set paths.
func durableStores() map[string]func(t *testing.T) ports.TaskStore {
	return map[string]func(t *testing.T) ports.TaskStore{
		"redis": func(t *testing.T) ports.TaskStore {
			mr := miniredis.RunT(t)
			c := redisq.NewFromRedis(config.Redis{Addr: mr.Addr(), KeyPrefix: "sched:"},
				redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			t.Cleanup(func() { _ = c.Close() })
			require.NoError(t, c.Connect(context.Background()))
			return c
		},
		"sqlite": func(t *testing.T) ports.TaskStore {
			s, err := sqlstore.Open(context.Background(), sqlstore.SQLite, ":memory:", true)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestScheduler_Backends(t *testing.T) {
	for name, open := range durableStores() {
		t.Run(name, func(t *testing.T) {
			t.Run("claims and completes", func(t *testing.T) {
				h := newHarness(t, open(t), testConfig())
				var ids []string
				for range 3 {
					ids = append(ids, h.create(t, "analysis").ID)
					time.Sleep(time.Millisecond)
				}

				h.sched.Start()
				for _, id := range ids {
					done := h.waitStatus(t, id, domain.StatusCompleted)
					assert.Equal(t, map[string]any{"status": "completed", "type": "analysis"}, done.Result)
				}
			})

			t.Run("cancel wins over a late result", func(t *testing.T) {
				h := newHarness(t, open(t), testConfig())
				started := make(chan string, 1)
				release := make(chan struct{})
				h.reg.Register("slow", blocking(started, release))
				task := h.create(t, "slow")

				h.sched.Start()
				select {
				case <-started:
				case <-time.After(waitFor):
					t.Fatal("handler never started")
				}

				// store-only cancel, then let the handler finish successfully
				remote := Tasks{Store: h.store}
				_, err := remote.CancelTask(context.Background(), task.ID)
				require.NoError(t, err)
				close(release)

				time.Sleep(50 * time.Millisecond)
				got, err := h.store.Get(context.Background(), task.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.StatusCancelled, got.Status)
				assert.Nil(t, got.Result)
			})

			t.Run("progress kept on completion", func(t *testing.T) {
				h := newHarness(t, open(t), testConfig())
				h.reg.Register("partial", func(ctx context.Context, t domain.Task, progress ProgressFunc) (map[string]any, error) {
					return map[string]any{}, progress(ctx, 0.4)
				})
				task := h.create(t, "partial")

				h.sched.Start()
				done := h.waitStatus(t, task.ID, domain.StatusCompleted)
				require.NotNil(t, done.Progress)
				assert.InDelta(t, 0.4, *done.Progress, 1e-9)
			})

			t.Run("retry recovery", func(t *testing.T) {
				store := open(t)
				stale := runningTask(t, store, "report")
				cfg := testConfig()
				cfg.RecoveryPolicy = config.RecoveryRetry
				h := newHarness(t, store, cfg)

				h.sched.Start()
				h.waitStatus(t, stale.ID, domain.StatusFailed)
				completed := domain.StatusCompleted
				require.Eventually(t, func() bool {
					done, err := store.List(context.Background(), domain.ListFilter{Status: &completed})
					return err == nil && len(done) == 1
				}, waitFor, tick)
			})
		})
	}
}
