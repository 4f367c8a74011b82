package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/worker"
)

// fakeWorker processes `jobs` jobs and then reports an empty queue.
type fakeWorker struct {
	mu         sync.Mutex
	jobs       int
	ticks      int
	sweeps     int
	reset      int64
	tickErr    error
	tickDelay  time.Duration
	thresholds []time.Duration
}

func (f *fakeWorker) Tick(ctx context.Context) (worker.TickResult, error) {
	if f.tickDelay > 0 {
		time.Sleep(f.tickDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	if f.tickErr != nil {
		return worker.TickResult{}, f.tickErr
	}
	if f.jobs == 0 {
		return worker.TickResult{}, nil
	}
	f.jobs--
	return worker.TickResult{Processed: true, JobID: "j", Outcome: worker.OutcomeDone}, nil
}

func (f *fakeWorker) Sweep(ctx context.Context, threshold time.Duration) (worker.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	f.thresholds = append(f.thresholds, threshold)
	return worker.SweepResult{Reset: f.reset}, nil
}

func TestRun_StopsAtMaxTicks(t *testing.T) {
	w := &fakeWorker{jobs: 100}
	sum, err := New(w, Config{MaxTicks: 5, SweepEvery: -1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxTicks, sum.StopReason)
	assert.Equal(t, 5, sum.Ticks)
	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, 5, sum.Outcomes[worker.OutcomeDone])
	assert.Zero(t, w.sweeps)
}

func TestRun_StopsWhenIdle(t *testing.T) {
	w := &fakeWorker{jobs: 3}
	sum, err := New(w, Config{StopWhenIdle: true, SweepEvery: -1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopIdle, sum.StopReason)
	assert.Equal(t, 4, sum.Ticks)
	assert.Equal(t, 3, sum.Processed)
}

func TestRun_SweepCadence(t *testing.T) {
	w := &fakeWorker{jobs: 100, reset: 1}
	sum, err := New(w, Config{MaxTicks: 7, SweepEvery: 3, StuckThreshold: 20 * time.Minute}).Run(context.Background())
	require.NoError(t, err)
	// Before the first tick, then after ticks 3 and 6.
	assert.Equal(t, 3, sum.Sweeps)
	assert.Equal(t, int64(3), sum.Reset)
	for _, th := range w.thresholds {
		assert.Equal(t, 20*time.Minute, th)
	}
}

func TestRun_BudgetNeverInterruptsATick(t *testing.T) {
	w := &fakeWorker{jobs: 100, tickDelay: 30 * time.Millisecond}
	sum, err := New(w, Config{Budget: 50 * time.Millisecond, SweepEvery: -1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopBudget, sum.StopReason)
	assert.Equal(t, 2, sum.Ticks, "the second tick starts inside the budget and runs to completion")
	assert.Equal(t, sum.Ticks, sum.Processed)
}

func TestRun_BudgetWithFakeClock(t *testing.T) {
	w := &fakeWorker{jobs: 100}
	r := New(w, Config{Budget: time.Minute, SweepEvery: -1})
	now := time.Unix(0, 0)
	r.now = func() time.Time {
		now = now.Add(25 * time.Second)
		return now
	}
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	// Each clock read advances 25s: ticks start at 25s and 50s elapsed.
	assert.Equal(t, StopBudget, sum.StopReason)
	assert.Equal(t, 2, sum.Ticks)
}

func TestRun_TickErrorStopsRun(t *testing.T) {
	boom := errors.New("database is locked")
	w := &fakeWorker{tickErr: boom}
	sum, err := New(w, Config{SweepEvery: -1}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, StopError, sum.StopReason)
	assert.Equal(t, 1, sum.Ticks)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &fakeWorker{jobs: 10}
	sum, err := New(w, Config{SweepEvery: -1}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, sum.StopReason)
	assert.Zero(t, sum.Ticks)
}

func TestRun_IdleWaitsThenRetries(t *testing.T) {
	w := &fakeWorker{}
	sum, err := New(w, Config{
		MaxTicks:   3,
		IdleWait:   5 * time.Millisecond,
		SweepEvery: -1,
	}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopMaxTicks, sum.StopReason)
	assert.Equal(t, 3, sum.Ticks)
	assert.Zero(t, sum.Processed)
}

func TestRun_RateLimited(t *testing.T) {
	w := &fakeWorker{jobs: 100}
	start := time.Now()
	sum, err := New(w, Config{MaxTicks: 3, Rate: 20, SweepEvery: -1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Ticks)
	// The limiter starts with one token, so only the third tick waits.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestServe(t *testing.T) {
	w := &fakeWorker{jobs: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	r := New(w, Config{StopWhenIdle: true, SweepEvery: -1})
	require.NoError(t, r.Serve(ctx, 10*time.Millisecond))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Zero(t, w.jobs)
	assert.Greater(t, w.ticks, 3, "serve keeps starting runs")

	assert.Error(t, r.Serve(context.Background(), 0))
}
