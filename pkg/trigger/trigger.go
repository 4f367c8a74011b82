// Package trigger drives the worker loop the way an external scheduler
// would: a bounded run of ticks, with the stuck-job sweep interleaved.
//
// A run stops when any of these is reached:
//   - MaxTicks ticks were executed
//   - the wall-clock Budget is spent (checked between ticks, never mid-tick)
//   - the queue is empty and StopWhenIdle is set
//   - the context is cancelled
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/clipforge/pkg/worker"
)

// Stop reasons reported in Summary.StopReason.
const (
	StopMaxTicks  = "max_ticks"
	StopBudget    = "budget"
	StopIdle      = "idle"
	StopCancelled = "cancelled"
	StopError     = "error"
)

// Worker is the part of *worker.Worker a Runner drives.
type Worker interface {
	Tick(ctx context.Context) (worker.TickResult, error)
	Sweep(ctx context.Context, threshold time.Duration) (worker.SweepResult, error)
}

// Config configures a Runner.
type Config struct {
	// MaxTicks bounds the number of ticks per run.
	// Default: 50
	MaxTicks int

	// Budget bounds the wall-clock time spent starting ticks.
	// Default: 55s
	Budget time.Duration

	// StopWhenIdle ends the run at the first tick that finds nothing to do.
	// Otherwise the runner waits IdleWait and tries again.
	StopWhenIdle bool

	// IdleWait is the pause after an empty tick when not stopping.
	// Default: 1s
	IdleWait time.Duration

	// SweepEvery runs the sweep before the first tick and then after every
	// N ticks. Negative disables the sweep.
	// Default: 10
	SweepEvery int

	// StuckThreshold is passed to the sweep.
	// Default: worker.DefaultStuckThreshold
	StuckThreshold time.Duration

	// Rate is the maximum ticks per second. Zero means unlimited.
	Rate float64

	Logger *zap.Logger
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return Config{
		MaxTicks:       50,
		Budget:         55 * time.Second,
		IdleWait:       time.Second,
		SweepEvery:     10,
		StuckThreshold: worker.DefaultStuckThreshold,
	}
}

// Summary reports what one run did.
type Summary struct {
	Ticks      int                    `json:"ticks"`
	Processed  int                    `json:"processed"`
	Outcomes   map[worker.Outcome]int `json:"outcomes,omitempty"`
	Sweeps     int                    `json:"sweeps"`
	Reset      int64                  `json:"reset"`
	Refunded   int                    `json:"refunded"`
	StopReason string                 `json:"stop_reason"`
	Duration   time.Duration          `json:"duration_ns"`
}

// Runner executes bounded runs against a worker.
type Runner struct {
	w       Worker
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Runner. Zero config fields take their defaults.
func New(w Worker, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = def.MaxTicks
	}
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if cfg.SweepEvery == 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}

	r := &Runner{w: w, cfg: cfg, logger: cfg.Logger, now: time.Now}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if cfg.Rate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	return r
}

// Run executes one bounded run. The returned error is a storage failure from
// the worker; the summary is valid either way.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := r.now()
	sum := Summary{Outcomes: map[worker.Outcome]int{}}

	finish := func(reason string, err error) (Summary, error) {
		sum.StopReason = reason
		sum.Duration = r.now().Sub(start)
		return sum, err
	}

	if r.cfg.SweepEvery > 0 {
		if err := r.sweep(ctx, &sum); err != nil {
			return finish(StopError, err)
		}
	}

	for {
		switch {
		case ctx.Err() != nil:
			return finish(StopCancelled, nil)
		case sum.Ticks >= r.cfg.MaxTicks:
			return finish(StopMaxTicks, nil)
		case r.now().Sub(start) >= r.cfg.Budget:
			return finish(StopBudget, nil)
		}

		if r.limiter != nil && sum.Ticks > 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return finish(StopCancelled, nil)
			}
		}

		res, err := r.w.Tick(ctx)
		sum.Ticks++
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return finish(StopCancelled, nil)
			}
			return finish(StopError, fmt.Errorf("tick %d: %w", sum.Ticks, err))
		}

		if res.Processed {
			sum.Processed++
			sum.Outcomes[res.Outcome]++
		} else {
			if r.cfg.StopWhenIdle {
				return finish(StopIdle, nil)
			}
			if !r.wait(ctx, start) {
				continue
			}
		}

		if r.cfg.SweepEvery > 0 && sum.Ticks%r.cfg.SweepEvery == 0 {
			if err := r.sweep(ctx, &sum); err != nil {
				return finish(StopError, err)
			}
		}
	}
}

// wait pauses after an empty tick. It returns false when the pause was cut
// short by cancellation or by the end of the budget.
func (r *Runner) wait(ctx context.Context, start time.Time) bool {
	d := r.cfg.IdleWait
	if left := r.cfg.Budget - r.now().Sub(start); left < d {
		d = left
	}
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Runner) sweep(ctx context.Context, sum *Summary) error {
	res, err := r.w.Sweep(ctx, r.cfg.StuckThreshold)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	sum.Sweeps++
	sum.Reset += res.Reset
	sum.Refunded += res.Refunded
	return nil
}

// Serve starts a run every interval until ctx is cancelled. A failed run is
// logged and the next one starts on schedule.
func (r *Runner) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("trigger interval must be positive, got %s", interval)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		sum, err := r.Run(ctx)
		if err != nil {
			r.logger.Error("Worker run failed", zap.Error(err), zap.Int("ticks", sum.Ticks))
		} else if sum.Processed > 0 || sum.Reset > 0 || sum.Refunded > 0 {
			r.logger.Info("Worker run complete",
				zap.Int("ticks", sum.Ticks),
				zap.Int("processed", sum.Processed),
				zap.Int64("reset", sum.Reset),
				zap.Int("refunded", sum.Refunded),
				zap.String("stop_reason", sum.StopReason),
				zap.Duration("duration", sum.Duration))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
