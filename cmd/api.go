package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskq/internal/api"
	"taskq/internal/config"
	"taskq/internal/ports"
	"taskq/internal/usecase"
	"taskq/internal/worker"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd(cfg *config.Config) *cobra.Command {
	var (
		port        int
		noScheduler bool
		batchSize   int
		concurrency int
		taskTimeout time.Duration
		baseBackoff time.Duration
		maxBackoff  time.Duration
	)

	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			applySchedulerFlags(cmd, &cfg.Scheduler, batchSize, concurrency, taskTimeout, baseBackoff, maxBackoff)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := worker.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tasks := usecase.Tasks{Store: store}
			var sched ports.Scheduler
			if !noScheduler {
				s := worker.NewScheduler(store, cfg.Scheduler)
				s.Start()
				defer s.Stop()
				tasks.Interrupter = s
				sched = s
			} else {
				log.Info().Msg("scheduler disabled; run `taskq worker` separately")
			}

			return api.NewServer(tasks, sched).Run(ctx, port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	command.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without an in-process scheduler")
	registerSchedulerFlags(command, &batchSize, &concurrency, &taskTimeout, &baseBackoff, &maxBackoff)
	return command
}
