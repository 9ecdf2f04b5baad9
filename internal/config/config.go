package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const (
	RecoveryFail  = "fail"
	RecoveryRetry = "retry"
	RecoveryNone  = "none"
)

type Config struct {
	StoreBackend string `env:"STORE_BACKEND" envDefault:"redis"`
	Redis        Redis
	SQL          SQL
	Scheduler    Scheduler
	Log          Log
}

type Redis struct {
	Addr      string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password  string `env:"Redis_Password"`
	DB        int    `env:"Redis_DB"`
	KeyPrefix string `env:"Redis_KeyPrefix" envDefault:"taskq:"`
}

type SQL struct {
	// DSN is a file path for sqlite or a connection URL for postgres.
	DSN         string `env:"SQL_DSN" envDefault:"taskq.db"`
	AutoMigrate bool   `env:"SQL_AUTO_MIGRATE" envDefault:"true"`
}

type Scheduler struct {
	BatchSize      int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"5"`
	PollInterval   time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1s"`
	Concurrency    int           `env:"SCHEDULER_CONCURRENCY" envDefault:"1"`
	TaskTimeout    time.Duration `env:"SCHEDULER_TASK_TIMEOUT" envDefault:"0s"`
	BaseBackoff    time.Duration `env:"SCHEDULER_BASE_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"SCHEDULER_MAX_BACKOFF" envDefault:"30s"`
	RecoveryPolicy string        `env:"SCHEDULER_RECOVERY_POLICY" envDefault:"fail"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendRedis, BackendSQLite, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.Scheduler.RecoveryPolicy {
	case RecoveryFail, RecoveryRetry, RecoveryNone:
	default:
		return fmt.Errorf("unsupported SCHEDULER_RECOVERY_POLICY %q", c.Scheduler.RecoveryPolicy)
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("SCHEDULER_BATCH_SIZE must be positive, got %d", c.Scheduler.BatchSize)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive, got %s", c.Scheduler.PollInterval)
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("SCHEDULER_CONCURRENCY must be positive, got %d", c.Scheduler.Concurrency)
	}
	return nil
}
