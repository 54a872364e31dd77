// Package pool runs a list of independent tasks on a bounded number of
// workers, gating every task through a rate limiter and collecting one
// settled result per task in input order.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Sternrassler/gridsync/pkg/apierror"
	"github.com/Sternrassler/gridsync/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for pool execution.
var (
	poolTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_pool_tasks_total",
		Help: "Total tasks executed by the worker pool by outcome",
	}, []string{"outcome"})

	poolTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridsync_pool_task_duration_seconds",
		Help:    "Task execution time including retries, excluding limiter wait",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	poolRateAdjustmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsync_pool_rate_adjustments_total",
		Help: "Total limiter rate decreases triggered by rate-limited task failures",
	})
)

// DefaultRateDecreaseFactor is applied to the limiter after a rate-limited failure.
const DefaultRateDecreaseFactor = 0.8

// Task is a unit of work producing a value or failing.
type Task[T any] func(ctx context.Context) (T, error)

// Limiter gates admission of tasks.
type Limiter interface {
	Acquire(ctx context.Context) error
	AdjustRate(factor float64)
}

// Config holds pool configuration.
type Config struct {
	// RateDecreaseFactor multiplies the limiter rate after each rate-limited failure.
	RateDecreaseFactor float64

	// NewLimiter builds the limiter for one Run call, sized for the worker count.
	NewLimiter func(workers int) (Limiter, error)

	// OnComplete is called once per finished task, whatever the outcome.
	OnComplete func()

	Logger zerolog.Logger
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		RateDecreaseFactor: DefaultRateDecreaseFactor,
		NewLimiter:         BucketLimiter,
		Logger:             log.With().Str("component", "pool").Logger(),
	}
}

// BucketLimiter builds a token bucket sized for n workers.
func BucketLimiter(n int) (Limiter, error) {
	return ratelimit.NewBucketForWorkers(n)
}

// Run executes tasks on concurrency workers and returns exactly len(tasks)
// results, aligned with the input. Workers claim the next unclaimed index
// from a shared cursor, so faster workers take more tasks. A failing task
// never stops its siblings.
func Run[T any](ctx context.Context, tasks []Task[T], concurrency int, cfg Config) ([]Result[T], error) {
	if concurrency < 1 {
		concurrency = 1
	}
	if cfg.RateDecreaseFactor <= 0 || cfg.RateDecreaseFactor > 1 {
		cfg.RateDecreaseFactor = DefaultRateDecreaseFactor
	}
	if cfg.NewLimiter == nil {
		cfg.NewLimiter = BucketLimiter
	}

	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	limiter, err := cfg.NewLimiter(concurrency)
	if err != nil {
		return nil, fmt.Errorf("create limiter: %w", err)
	}

	workers := concurrency
	if workers > len(tasks) {
		workers = len(tasks)
	}

	c := &cursor{n: len(tasks)}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			work(ctx, workerID, tasks, results, c, limiter, cfg)
		}(i)
	}
	wg.Wait()

	return results, nil
}

// cursor hands out task indexes; each index is claimed exactly once.
type cursor struct {
	mu   sync.Mutex
	next int
	n    int
}

func (c *cursor) claim() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= c.n {
		return 0, false
	}
	i := c.next
	c.next++
	return i, true
}

func work[T any](ctx context.Context, workerID int, tasks []Task[T], results []Result[T], c *cursor, limiter Limiter, cfg Config) {
	processed := 0
	for {
		i, ok := c.claim()
		if !ok {
			break
		}

		results[i] = execute(ctx, i, tasks[i], limiter)
		processed++

		if results[i].Err != nil {
			poolTasksTotal.WithLabelValues(string(StatusRejected)).Inc()
			cfg.Logger.Debug().
				Err(results[i].Err).
				Int("worker_id", workerID).
				Int("task", i).
				Msg("Task failed")

			if apierror.IsRateLimited(results[i].Err) {
				limiter.AdjustRate(cfg.RateDecreaseFactor)
				poolRateAdjustmentsTotal.Inc()
			}
		} else {
			poolTasksTotal.WithLabelValues(string(StatusFulfilled)).Inc()
		}

		if cfg.OnComplete != nil {
			cfg.OnComplete()
		}
	}

	if processed > 0 {
		cfg.Logger.Debug().
			Int("worker_id", workerID).
			Int("tasks_processed", processed).
			Msg("Worker completed")
	}
}

func execute[T any](ctx context.Context, index int, task Task[T], limiter Limiter) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("task", index).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
			res = Rejected[T](fmt.Errorf("panic in task %d: %v", index, r))
		}
	}()

	if err := limiter.Acquire(ctx); err != nil {
		return Rejected[T](fmt.Errorf("acquire token: %w", err))
	}

	start := time.Now()
	value, err := task(ctx)
	poolTaskDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return Rejected[T](err)
	}
	return Fulfilled(value)
}
