package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tokenflow/tokenflow/pkg/model"
	"github.com/tokenflow/tokenflow/pkg/scheduler"
)

func newSchedulerCommand() *cobra.Command {
	var (
		once    bool
		workers int
	)

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Fire due timer jobs",
		Long: `Poll the database for timer jobs whose due date has passed and fire them.

While running, the scheduler also:
  - serves Prometheus metrics when telemetry.metrics is enabled
  - redeploys changed definitions when definitions.watch is set
  - recompiles changed policies when policies.watch is set`,
		Example: `  # Run until interrupted
  tokenflow scheduler -c tokenflow.yaml

  # Fire whatever is due once and exit
  tokenflow scheduler --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if workers <= 0 {
				workers = a.cfg.Engine.BatchParallelism
			}
			sched := scheduler.New(a.store, a.engine,
				scheduler.WithLogger(log.Logger),
				scheduler.WithTelemetry(a.tel),
				scheduler.WithInterval(a.cfg.Scheduler.PollInterval),
				scheduler.WithBatchSize(a.cfg.Scheduler.BatchSize),
				scheduler.WithWorkers(workers),
			)

			if once {
				fired, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Fired %d timers\n", fired)
				return nil
			}

			if err := a.tel.StartMetricsServer(); err != nil {
				return err
			}

			if a.cfg.Definitions.Watch {
				loader, err := model.NewLoader()
				if err != nil {
					return err
				}
				watcher := model.NewWatcher(log.Logger, loader, func(ctx context.Context, def *model.ProcessDefinition) error {
					_, err := a.deploy(ctx, def)
					return err
				})
				if err := watcher.Watch(ctx, a.cfg.Definitions.Directory); err != nil {
					return err
				}
				defer watcher.Close()
			}

			if a.cfg.Policies.Watch && a.guard != nil {
				loader, err := a.guard.Watch(ctx, a.cfg.Policies.Paths)
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			return sched.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "fire due timers once and exit")
	cmd.Flags().IntVar(&workers, "workers", 0, "timers fired concurrently (default engine.batchParallelism)")

	return cmd
}
