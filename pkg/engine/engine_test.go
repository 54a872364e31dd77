package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/gridsync/pkg/apierror"
	"github.com/Sternrassler/gridsync/pkg/pool"
	"github.com/Sternrassler/gridsync/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLimiter struct{}

func (noopLimiter) Acquire(ctx context.Context) error { return ctx.Err() }
func (noopLimiter) AdjustRate(float64)                {}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testConfig(retries int) Config {
	cfg := DefaultConfig()
	cfg.Concurrency.Initial = 4
	cfg.Concurrency.Max = 8
	cfg.Concurrency.Interval = time.Hour
	cfg.Batch.Sleep = noSleep
	cfg.Batch.Pool.NewLimiter = func(int) (pool.Limiter, error) { return noopLimiter{}, nil }
	cfg.Retry.MaxRetries = retries
	cfg.Retry.Sleep = noSleep
	cfg.Retry.DisableJitter = true
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(context.Background(), cfg)
	t.Cleanup(e.Close)
	return e
}

var rateLimited = &apierror.Error{Kind: apierror.KindRateLimited, StatusCode: 429}

func TestRun_AllSucceed(t *testing.T) {
	cfg := testConfig(2)
	var mu sync.Mutex
	var seen []int
	cfg.OnProgress = func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, done)
		assert.Equal(t, 30, total)
	}
	e := newTestEngine(t, cfg)

	var calls atomic.Int32
	tasks := make([]Task, 30)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			calls.Add(1)
			return nil
		}
	}

	results, report, err := e.Run(context.Background(), "create", tasks)
	require.NoError(t, err)
	assert.Len(t, results, 30)
	assert.Equal(t, int32(30), calls.Load())
	assert.Equal(t, 30, report.Fulfilled)
	assert.Zero(t, report.Rejected)
	assert.Empty(t, report.Failures)
	assert.Len(t, seen, 30, "progress fires once per task")
}

func TestRun_Empty(t *testing.T) {
	e := newTestEngine(t, testConfig(2))

	results, report, err := e.Run(context.Background(), "delete", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, report.Total)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	e := newTestEngine(t, testConfig(3))

	var calls atomic.Int32
	task := func(context.Context) error {
		if calls.Add(1) <= 2 {
			return rateLimited
		}
		return nil
	}

	_, report, err := e.Run(context.Background(), "create", []Task{task})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, report.Fulfilled)
	assert.Equal(t, 2, e.controller.Throttled(), "each retried 429 is reported once")
	assert.Equal(t, 4, e.Concurrency(), "no immediate adjustment without rejected tasks")
}

func TestRun_ExhaustedRateLimitCountedOnce(t *testing.T) {
	e := newTestEngine(t, testConfig(1))

	var calls atomic.Int32
	task := func(context.Context) error {
		calls.Add(1)
		return rateLimited
	}

	results, report, err := e.Run(context.Background(), "create", []Task{task})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.RateLimited)
	assert.ErrorIs(t, results[0].Err, retry.ErrRetryExhausted)

	// One 429 from the retry observer plus one from the batch tally.
	assert.Equal(t, 2, e.Concurrency(), "4 - min(2, 3)")
	assert.Zero(t, e.controller.Throttled())
}

func TestRun_NonRetryableFailsFast(t *testing.T) {
	e := newTestEngine(t, testConfig(5))

	var calls atomic.Int32
	bad := &apierror.Error{Kind: apierror.KindClient, StatusCode: 400}
	tasks := []Task{
		func(context.Context) error { return nil },
		func(context.Context) error { calls.Add(1); return bad },
	}

	results, report, err := e.Run(context.Background(), "create", tasks)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, results[0].OK())
	assert.Equal(t, pool.StatusRejected, results[1].Status)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0].Error(), "status 400")
}

func TestRun_SampleFailuresCapped(t *testing.T) {
	e := newTestEngine(t, testConfig(0))

	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = func(context.Context) error { return fmt.Errorf("task %d failed", i) }
	}

	_, report, err := e.Run(context.Background(), "create", tasks)
	require.NoError(t, err)
	assert.Equal(t, 12, report.Rejected)
	require.Len(t, report.Failures, MaxSampleFailures)
	assert.EqualError(t, report.Failures[0], "task 0 failed")
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	cfg := testConfig(0)
	cfg.Batch.Size = 2
	cfg.Batch.Sleep = func(context.Context, time.Duration) error { return context.Canceled }
	e := newTestEngine(t, cfg)

	tasks := make([]Task, 5)
	for i := range tasks {
		tasks[i] = func(context.Context) error { return nil }
	}

	results, report, err := e.Run(context.Background(), "create", tasks)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 5)
	assert.Equal(t, 2, report.Fulfilled)
	assert.Equal(t, 3, report.Rejected)
}

func TestRun_ObserverChained(t *testing.T) {
	cfg := testConfig(1)
	var observed atomic.Int32
	cfg.Retry.OnRetry = func(error, int, time.Duration) { observed.Add(1) }
	e := newTestEngine(t, cfg)

	var calls atomic.Int32
	task := func(context.Context) error {
		if calls.Add(1) == 1 {
			return rateLimited
		}
		return nil
	}

	_, _, err := e.Run(context.Background(), "create", []Task{task})
	require.NoError(t, err)
	assert.Equal(t, int32(1), observed.Load())
	assert.Equal(t, 1, e.controller.Throttled())
}

func TestFormat(t *testing.T) {
	tests := []struct {
		done, total int
		want        string
	}{
		{42, 100, "42/100 (42%)"},
		{1, 3, "1/3 (33%)"},
		{3, 3, "3/3 (100%)"},
		{0, 0, "0/0 (100%)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.done, tt.total))
	}
}
