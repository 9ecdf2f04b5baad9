package worker

import (
	"context"
	"fmt"

	"taskq/internal/config"
	"taskq/internal/infra/memstore"
	"taskq/internal/infra/redisq"
	"taskq/internal/infra/sqlstore"
	"taskq/internal/ports"
	"taskq/internal/usecase"

	"github.com/rs/zerolog/log"
)

// OpenStore builds the task store selected by cfg.StoreBackend.
func OpenStore(ctx context.Context, cfg *config.Config) (ports.TaskStore, error) {
	log.Ctx(ctx).Info().Str("backend", cfg.StoreBackend).Msg("opening task store")

	switch cfg.StoreBackend {
	case config.BackendRedis:
		cli := redisq.New(cfg.Redis)
		if err := cli.Connect(ctx); err != nil {
			_ = cli.Close()
			return nil, err
		}
		return cli, nil
	case config.BackendSQLite:
		return sqlstore.Open(ctx, sqlstore.SQLite, cfg.SQL.DSN, cfg.SQL.AutoMigrate)
	case config.BackendPostgres:
		return sqlstore.Open(ctx, sqlstore.Postgres, cfg.SQL.DSN, cfg.SQL.AutoMigrate)
	case config.BackendMemory:
		log.Ctx(ctx).Warn().Msg("memory store is not durable; tasks are lost on exit")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
}

// NewScheduler wires a scheduler with the built-in handlers registered.
func NewScheduler(store ports.TaskStore, cfg config.Scheduler) *usecase.Scheduler {
	reg := usecase.NewRegistry()
	usecase.RegisterBuiltins(reg)
	return usecase.NewScheduler(store, reg, usecase.SchedulerConfigFrom(cfg))
}

// Run hosts a scheduler until ctx is done.
func Run(ctx context.Context, cfg *config.Config) error {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sched := NewScheduler(store, cfg.Scheduler)
	sched.Start()
	<-ctx.Done()
	sched.Stop()
	return nil
}
