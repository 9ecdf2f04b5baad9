package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "taskq:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 1, cfg.Scheduler.Concurrency)
	assert.Zero(t, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, RecoveryFail, cfg.Scheduler.RecoveryPolicy)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQL_DSN", "/tmp/q.db")
	t.Setenv("SCHEDULER_BATCH_SIZE", "10")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "250ms")
	t.Setenv("SCHEDULER_TASK_TIMEOUT", "2m")
	t.Setenv("SCHEDULER_RECOVERY_POLICY", "retry")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "/tmp/q.db", cfg.SQL.DSN)
	assert.Equal(t, 10, cfg.Scheduler.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, RecoveryRetry, cfg.Scheduler.RecoveryPolicy)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"STORE_BACKEND":             "cassandra",
		"SCHEDULER_RECOVERY_POLICY": "requeue",
		"SCHEDULER_BATCH_SIZE":      "0",
		"SCHEDULER_CONCURRENCY":     "-1",
		"SCHEDULER_POLL_INTERVAL":   "0s",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(key, val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("Redis_KeyPrefix=fromfile:\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("Redis_KeyPrefix") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "fromfile:", cfg.Redis.KeyPrefix)
}
