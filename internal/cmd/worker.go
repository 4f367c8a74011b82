package cmd

import (
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/clipforge/internal/observability"
	"github.com/3leaps/clipforge/pkg/output"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued jobs",
	Long: `Process queued jobs against the configured providers.

A tick claims the oldest claimable job and runs it to completion. A sweep
requeues jobs stuck in running and settles missing refunds. A run repeats
ticks within a tick and time budget, sweeping on a cadence.

Job types can be restricted with --lanes, e.g. --lanes 'image*' to run an
image-only worker.`,
}

var workerTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Process at most one job",
	RunE:  runWorkerTick,
}

var workerSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Requeue stuck jobs and reconcile refunds",
	RunE:  runWorkerSweep,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ticks until the queue drains or a budget is reached",
	Long: `Run ticks until the queue is empty or the tick or time budget is used.

Examples:
  clipforge worker run
  clipforge worker run --max-ticks 200 --budget 5m
  clipforge worker run --follow   # keep waiting for new work`,
	RunE: runWorkerRun,
}

var (
	workerLanes  []string
	sweepStale   time.Duration
	runFollow    bool
	runMaxTicks  int
	runBudget    time.Duration
	runRate      float64
	runSweepEach int
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerTickCmd, workerSweepCmd, workerRunCmd)

	workerCmd.PersistentFlags().StringSliceVar(&workerLanes, "lanes", nil, "Job type glob patterns to claim (overrides worker.lanes)")

	workerSweepCmd.Flags().DurationVar(&sweepStale, "stale", 0, "Requeue jobs running longer than this (default: worker.stuck_threshold)")

	workerRunCmd.Flags().BoolVar(&runFollow, "follow", false, "Wait for new work instead of stopping when idle")
	workerRunCmd.Flags().IntVar(&runMaxTicks, "max-ticks", 0, "Maximum ticks (overrides worker.max_ticks)")
	workerRunCmd.Flags().DurationVar(&runBudget, "budget", 0, "Time budget (overrides worker.tick_budget)")
	workerRunCmd.Flags().Float64Var(&runRate, "rate", 0, "Maximum ticks per second (overrides worker.tick_rate)")
	workerRunCmd.Flags().IntVar(&runSweepEach, "sweep-every", 0, "Sweep every N ticks, -1 disables (overrides worker.sweep_every)")
	bindConfigFlag(workerRunCmd, "max-ticks", "worker.max_ticks")
	bindConfigFlag(workerRunCmd, "budget", "worker.tick_budget")
	bindConfigFlag(workerRunCmd, "rate", "worker.tick_rate")
	bindConfigFlag(workerRunCmd, "sweep-every", "worker.sweep_every")
}

// loadWorkerApp applies --lanes before wiring the worker.
func loadWorkerApp(cmd *cobra.Command) (*app, error) {
	if len(workerLanes) > 0 {
		appConfig.Worker.Lanes = workerLanes
	}
	return loadApp(cmd.Context(), observability.CLILogger)
}

func runWorkerTick(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadWorkerApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.worker.Tick(ctx)
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "worker tick", err)
	}
	if !res.Processed {
		observability.CLILogger.Info("No claimable job")
	}
	return emit(ctx, output.TypeTick, res)
}

func runWorkerSweep(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if sweepStale < 0 {
		return exitError(foundry.ExitInvalidArgument, "invalid --stale", fmt.Errorf("must not be negative, got %s", sweepStale))
	}
	threshold := sweepStale
	if threshold == 0 {
		threshold = appConfig.Worker.StuckThreshold
	}

	a, err := loadWorkerApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.worker.Sweep(ctx, threshold)
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "worker sweep", err)
	}
	observability.CLILogger.Info("Sweep complete",
		zap.Duration("threshold", threshold),
		zap.Int64("reset", res.Reset),
		zap.Int("refunded", res.Refunded))
	return emit(ctx, output.TypeSweep, res)
}

func runWorkerRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadWorkerApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.runner(!runFollow).Run(ctx)
	if werr := emit(ctx, output.TypeRun, sum); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "worker run", err)
	}
	observability.CLILogger.Info("Run complete",
		zap.Int("ticks", sum.Ticks),
		zap.Int("processed", sum.Processed),
		zap.String("stop_reason", sum.StopReason))
	return nil
}
