package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskq/internal/config"
	"taskq/internal/worker"

	"github.com/spf13/cobra"
)

func workerCmd(cfg *config.Config) *cobra.Command {
	var (
		batchSize   int
		concurrency int
		taskTimeout time.Duration
		baseBackoff time.Duration
		maxBackoff  time.Duration
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start the scheduler loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			applySchedulerFlags(cmd, &cfg.Scheduler, batchSize, concurrency, taskTimeout, baseBackoff, maxBackoff)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return worker.Run(ctx, cfg)
		},
	}

	registerSchedulerFlags(command, &batchSize, &concurrency, &taskTimeout, &baseBackoff, &maxBackoff)
	return command
}

func registerSchedulerFlags(command *cobra.Command, batchSize, concurrency *int, taskTimeout, baseBackoff, maxBackoff *time.Duration) {
	command.Flags().IntVar(batchSize, "batch-size", 5, "Pending tasks claimed per poll")
	command.Flags().IntVar(concurrency, "concurrency", 1, "Tasks of a batch executed in parallel")
	command.Flags().DurationVar(taskTimeout, "task-timeout", 0, "Per-task execution timeout (0 disables)")
	command.Flags().DurationVar(baseBackoff, "base-backoff", time.Second, "Base backoff after a failed poll")
	command.Flags().DurationVar(maxBackoff, "max-backoff", 30*time.Second, "Max backoff after failed polls")
}

// applySchedulerFlags overrides environment values with explicitly set flags.
func applySchedulerFlags(cmd *cobra.Command, c *config.Scheduler, batchSize, concurrency int, taskTimeout, baseBackoff, maxBackoff time.Duration) {
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		c.BatchSize = batchSize
	}
	if flags.Changed("concurrency") {
		c.Concurrency = concurrency
	}
	if flags.Changed("task-timeout") {
		c.TaskTimeout = taskTimeout
	}
	if flags.Changed("base-backoff") {
		c.BaseBackoff = baseBackoff
	}
	if flags.Changed("max-backoff") {
		c.MaxBackoff = maxBackoff
	}
}
