package commands

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/config"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/dlq"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/telemetry"
)

const (
	dlqRefreshInterval = 30 * time.Second
	pruneInterval      = time.Hour
)

func newServeCommand() *cobra.Command {
	var pipelinePath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the long-lived maintenance daemon",
		Long: `Run the long-lived maintenance daemon.

The daemon:
  - serves Prometheus metrics and a health endpoint
  - retries pending dead letter items on the configured cron schedule
  - prunes run history older than dlq.history_retention
  - reloads breaker tuning, the sweep schedule and retention when the
    configuration file changes`,
		Example: `  contimg serve --config contimg.yaml --pipeline imaging.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(cmd, func(a *app) error {
				return serve(ctx, a, pipelinePath)
			})
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline file used to replay parked stages")

	return cmd
}

func serve(ctx context.Context, a *app, pipelinePath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := a.tel.Logger.NewComponentLogger("serve")

	var srvErr <-chan error
	if srv := a.tel.StartMetricsServer(); srv != nil {
		srvErr = srv.Err()
		logger.WithField("address", a.cfg.Telemetry.Metrics.ListenAddress).Info("Metrics server listening")
	}

	var sweeper *dlq.Sweeper
	if pipelinePath != "" || len(a.cfg.Pipeline.Stages) > 0 {
		pipeline, err := a.pipeline(pipelinePath)
		if err != nil {
			return err
		}
		if _, err := a.orchestrator(pipeline, 0); err != nil {
			return err
		}

		sweeper = dlq.NewSweeper(a.queue, a.cfg.DLQ.SweepLimit, a.cfg.DLQ.SweepTimeout, a.logger("sweeper"))
		sweeper.OnSweep(func(result dlq.SweepResult) {
			a.obs.RecordSweep(result)
			a.refreshDLQ(ctx)
		})
		if a.cfg.DLQ.SweepSchedule != "" {
			if err := sweeper.Start(a.cfg.DLQ.SweepSchedule); err != nil {
				return newCommandError("start", "dead letter sweeper", err, "Check dlq.sweep_schedule in the configuration.")
			}
			defer sweeper.Stop()
		}
	} else {
		logger.Warn("No pipeline configured, automatic dead letter sweeps are disabled")
	}

	var retention atomic.Int64
	retention.Store(int64(a.cfg.DLQ.HistoryRetention))

	if configPath != "" {
		watcher, err := config.Watch(ctx, configPath, func(next *config.Config) error {
			if err := a.breakers.Configure(next.Breaker.Config); err != nil {
				return err
			}
			if sweeper != nil && next.DLQ.SweepSchedule != "" {
				if err := sweeper.Reschedule(next.DLQ.SweepSchedule); err != nil {
					return err
				}
			}
			retention.Store(int64(next.DLQ.HistoryRetention))
			logger.Info("Configuration reloaded")
			return nil
		}, config.WithLogger(a.logger("config")))
		if err != nil {
			return newCommandError("watch", configPath, err, "")
		}
		defer func() {
			cancel()
			<-watcher.Done()
		}()
	}

	prune := func() {
		keep := time.Duration(retention.Load())
		if keep <= 0 {
			return
		}
		op := telemetry.StartOperation(a.tel.WithContext(ctx), "history.prune")
		n, err := a.store.PruneRuns(op.Ctx, time.Now().Add(-keep))
		op.End(err)
		if err != nil {
			logger.WithError(err).Warn("Failed to prune run history")
			return
		}
		if n > 0 {
			logger.WithField("deleted", n).Info("Pruned run history")
		}
	}

	a.refreshDLQ(ctx)
	prune()

	refresh := time.NewTicker(dlqRefreshInterval)
	defer refresh.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	logger.Info("Daemon started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Daemon stopping")
			return nil
		case err, ok := <-srvErr:
			if ok && err != nil {
				return newCommandError("serve", "metrics endpoint", err, "Check telemetry.metrics.listen_address.")
			}
			srvErr = nil
		case <-refresh.C:
			a.refreshDLQ(ctx)
		case <-pruneTicker.C:
			prune()
		}
	}
}
