package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskq/internal/config"
	"taskq/internal/domain"
	"taskq/internal/infra/memstore"
	"taskq/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		StoreBackend: backend,
		Scheduler: config.Scheduler{
			BatchSize:      5,
			PollInterval:   10 * time.Millisecond,
			Concurrency:    1,
			BaseBackoff:    time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			RecoveryPolicy: config.RecoveryFail,
		},
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := testConfig(config.BackendSQLite)
	cfg.SQL = config.SQL{DSN: filepath.Join(t.TempDir(), "tasks.db"), AutoMigrate: true}

	store, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	task, err := store.Create(context.Background(), "report", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestOpenStore_Unsupported(t *testing.T) {
	_, err := OpenStore(context.Background(), testConfig("cassandra"))
	assert.Error(t, err)
}

func TestNewScheduler_RunsBuiltins(t *testing.T) {
	store := memstore.New()
	sched := NewScheduler(store, testConfig(config.BackendMemory).Scheduler)
	svc := usecase.Tasks{Store: store, Interrupter: sched}

	task, err := svc.CreateTask(context.Background(), "report", nil, 0)
	require.NoError(t, err)

	sched.Start()
	defer sched.Stop()
	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), task.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "completed", "type": "report"}, got.Result)
}

func TestRun_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, testConfig(config.BackendMemory)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
