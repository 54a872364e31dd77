package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/gridsync/pkg/apierror"
	"github.com/Sternrassler/gridsync/pkg/concurrency"
	"github.com/Sternrassler/gridsync/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for batch scheduling.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_batches_total",
		Help: "Total batches executed by label",
	}, []string{"label"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsync_batch_duration_seconds",
		Help:    "Batch execution time by label, excluding the inter-batch pause",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
	}, []string{"label"})

	batchRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_batch_rate_limited_total",
		Help: "Tasks rejected with a rate limit error, by label",
	}, []string{"label"})
)

// Defaults for batch scheduling.
const (
	DefaultSize  = 20
	DefaultDelay = 3 * time.Second
)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller supplies the concurrency for each batch and receives
// throttling feedback.
type Controller interface {
	Current() int
	ReportThrottled(n int)
	Adjust() concurrency.Decision
}

// Config holds scheduler configuration.
type Config struct {
	// Size is the number of tasks per batch.
	Size int

	// Delay is the unconditional pause between consecutive batches.
	Delay time.Duration

	// Pool configures the worker pool used for each batch.
	Pool pool.Config

	// Sleep can be replaced in tests.
	Sleep SleepFunc

	Logger zerolog.Logger
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Size:   DefaultSize,
		Delay:  DefaultDelay,
		Pool:   pool.DefaultConfig(),
		Logger: log.With().Str("component", "batch").Logger(),
	}
}

// Scheduler runs task lists batch by batch.
type Scheduler struct {
	config     Config
	controller Controller
}

// NewScheduler creates a scheduler reading concurrency from controller.
func NewScheduler(controller Controller, config Config) *Scheduler {
	if config.Size <= 0 {
		config.Size = DefaultSize
	}
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.Sleep == nil {
		config.Sleep = sleepContext
	}

	return &Scheduler{
		config:     config,
		controller: controller,
	}
}

// WithProgress returns a copy of the scheduler that calls fn once per
// completed task.
func (s *Scheduler) WithProgress(fn func()) *Scheduler {
	cp := *s
	cp.config.Pool.OnComplete = fn
	return &cp
}

// Span is a half-open [Start, End) range of task indexes.
type Span struct {
	Start int
	End   int
}

// Len returns the number of tasks in the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Partition splits n tasks into contiguous spans of at most size tasks.
func Partition(n, size int) []Span {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}

	spans := make([]Span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// Process runs tasks in batches and returns one result per task in input
// order. Concurrency is read from the controller at the start of every
// batch, so changes apply at batch boundaries. Rate-limited rejections are
// reported to the controller and trigger an immediate adjustment.
//
// If ctx is cancelled during an inter-batch pause, tasks of the remaining
// batches are returned as rejected with the context error.
func Process[T any](ctx context.Context, s *Scheduler, label string, tasks []pool.Task[T]) ([]pool.Result[T], error) {
	spans := Partition(len(tasks), s.config.Size)
	results := make([]pool.Result[T], 0, len(tasks))
	logger := s.config.Logger.With().Str("label", label).Logger()

	for i, span := range spans {
		workers := s.controller.Current()
		logger.Info().
			Int("batch", i+1).
			Int("batches", len(spans)).
			Int("size", span.Len()).
			Int("concurrency", workers).
			Msg("Starting batch")

		start := time.Now()
		batchResults, err := pool.Run(ctx, tasks[span.Start:span.End], workers, s.config.Pool)
		if err != nil {
			return nil, fmt.Errorf("batch %d of %s: %w", i+1, label, err)
		}
		results = append(results, batchResults...)

		batchesTotal.WithLabelValues(label).Inc()
		batchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

		summary := pool.Summarize(batchResults, apierror.IsRateLimited)
		if summary.RateLimited > 0 {
			batchRateLimitedTotal.WithLabelValues(label).Add(float64(summary.RateLimited))
			s.controller.ReportThrottled(summary.RateLimited)
			d := s.controller.Adjust()
			logger.Warn().
				Int("batch", i+1).
				Int("throttled", summary.RateLimited).
				Int("concurrency", d.Current).
				Msg("Batch was throttled, concurrency reduced")
		}

		logger.Debug().
			Int("batch", i+1).
			Int("fulfilled", summary.Fulfilled).
			Int("rejected", summary.Rejected).
			Dur("duration", time.Since(start)).
			Msg("Batch complete")

		if i == len(spans)-1 {
			break
		}

		if err := s.config.Sleep(ctx, s.config.Delay); err != nil {
			for _, rest := range spans[i+1:] {
				for range rest.Len() {
					results = append(results, pool.Rejected[T](fmt.Errorf("batch pause: %w", err)))
				}
			}
			return results, fmt.Errorf("%s cancelled after batch %d of %d: %w", label, i+1, len(spans), err)
		}
	}

	return results, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
