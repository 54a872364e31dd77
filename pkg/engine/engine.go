// Package engine runs labelled task lists through the adaptive execution
// stack: per-task retries, batch pacing, a rate-limited worker pool and the
// concurrency feedback loop.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/gridsync/pkg/apierror"
	"github.com/Sternrassler/gridsync/pkg/batch"
	"github.com/Sternrassler/gridsync/pkg/concurrency"
	"github.com/Sternrassler/gridsync/pkg/pool"
	"github.com/Sternrassler/gridsync/pkg/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for engine runs.
var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsync_run_duration_seconds",
		Help:    "Duration of engine runs by label",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"label"})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_tasks_total",
		Help: "Tasks settled by engine runs, by label and status",
	}, []string{"label", "status"})
)

// MaxSampleFailures caps the failure messages kept in a Report.
const MaxSampleFailures = 5

// Task is one remote operation. It is retried according to the engine's
// retry policy.
type Task func(ctx context.Context) error

// Config holds engine configuration.
type Config struct {
	Concurrency concurrency.Config
	Batch       batch.Config
	Retry       retry.Policy

	// OnProgress is called once per settled task with the running count.
	OnProgress func(done, total int)

	Logger zerolog.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: concurrency.DefaultConfig(),
		Batch:       batch.DefaultConfig(),
		Retry:       retry.DefaultPolicy(),
		Logger:      log.With().Str("component", "engine").Logger(),
	}
}

// Report summarizes one Run.
type Report struct {
	Label       string
	Total       int
	Fulfilled   int
	Rejected    int
	RateLimited int
	Duration    time.Duration

	// Failures holds up to MaxSampleFailures rejection errors in task order.
	Failures []error
}

// Engine owns one concurrency controller shared by all runs.
type Engine struct {
	controller *concurrency.Controller
	scheduler  *batch.Scheduler
	retry      retry.Policy
	onProgress func(done, total int)
	logger     zerolog.Logger
}

// New creates an engine and starts its concurrency tick. Call Close when done.
func New(ctx context.Context, cfg Config) *Engine {
	ctrl := concurrency.NewController(cfg.Concurrency)
	ctrl.Start(ctx)

	e := &Engine{
		controller: ctrl,
		scheduler:  batch.NewScheduler(ctrl, cfg.Batch),
		retry:      cfg.Retry,
		onProgress: cfg.OnProgress,
		logger:     cfg.Logger,
	}

	// Retries that hit a 429 feed the controller. The final 429 of a task
	// whose retries ran out is counted by the batch tally instead.
	observe := cfg.Retry.OnRetry
	e.retry.OnRetry = func(err error, attempt int, delay time.Duration) {
		if apierror.IsRateLimited(err) {
			ctrl.ReportThrottled(1)
		}
		e.logger.Warn().
			Err(err).
			Str("error_kind", string(apierror.KindOf(err))).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying task")
		if observe != nil {
			observe(err, attempt, delay)
		}
	}

	return e
}

// Concurrency returns the current worker count.
func (e *Engine) Concurrency() int {
	return e.controller.Current()
}

// Close stops the concurrency tick.
func (e *Engine) Close() {
	e.controller.Stop()
}

// Run executes tasks and returns one settled result per task in input order
// along with a summary. A non-nil error means the run was cut short by ctx;
// individual task failures are only reported in the results.
func (e *Engine) Run(ctx context.Context, label string, tasks []Task) ([]pool.Result[struct{}], Report, error) {
	start := time.Now()
	total := len(tasks)
	logger := e.logger.With().Str("label", label).Logger()

	if total == 0 {
		logger.Debug().Msg("Nothing to run")
		return nil, Report{Label: label}, nil
	}

	wrapped := make([]pool.Task[struct{}], total)
	for i, task := range tasks {
		wrapped[i] = func(ctx context.Context) (struct{}, error) {
			return retry.Do(ctx, e.retry, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, task(ctx)
			})
		}
	}

	logger.Info().
		Int("tasks", total).
		Int("concurrency", e.controller.Current()).
		Msg("Starting run")

	progress := newProgress(total, e.onProgress, logger)
	results, err := batch.Process(ctx, e.scheduler.WithProgress(progress.complete), label, wrapped)

	report := summarize(label, results)
	report.Duration = time.Since(start)
	runDuration.WithLabelValues(label).Observe(report.Duration.Seconds())
	tasksTotal.WithLabelValues(label, string(pool.StatusFulfilled)).Add(float64(report.Fulfilled))
	tasksTotal.WithLabelValues(label, string(pool.StatusRejected)).Add(float64(report.Rejected))

	event := logger.Info()
	if report.Rejected > 0 {
		event = logger.Error()
	}
	event.
		Int("fulfilled", report.Fulfilled).
		Int("rejected", report.Rejected).
		Int("rate_limited", report.RateLimited).
		Dur("duration", report.Duration).
		Msg("Run complete")

	for _, f := range report.Failures {
		logger.Error().Err(f).Msg("Sample failure")
	}

	if err != nil {
		return results, report, fmt.Errorf("run %s: %w", label, err)
	}
	return results, report, nil
}

func summarize(label string, results []pool.Result[struct{}]) Report {
	s := pool.Summarize(results, apierror.IsRateLimited)
	r := Report{
		Label:       label,
		Total:       len(results),
		Fulfilled:   s.Fulfilled,
		Rejected:    s.Rejected,
		RateLimited: s.RateLimited,
	}
	for _, res := range results {
		if len(r.Failures) == MaxSampleFailures {
			break
		}
		if !res.OK() {
			r.Failures = append(r.Failures, res.Err)
		}
	}
	return r
}

// progress counts settled tasks and logs "done/total (pct%)" each time a
// further tenth of the run completes.
type progress struct {
	total    int
	done     atomic.Int64
	lastTick atomic.Int64
	callback func(done, total int)
	logger   zerolog.Logger
}

func newProgress(total int, callback func(done, total int), logger zerolog.Logger) *progress {
	return &progress{total: total, callback: callback, logger: logger}
}

func (p *progress) complete() {
	done := int(p.done.Add(1))
	if p.callback != nil {
		p.callback(done, p.total)
	}

	tick := int64(done * 10 / p.total)
	for {
		last := p.lastTick.Load()
		if tick <= last {
			return
		}
		if p.lastTick.CompareAndSwap(last, tick) {
			break
		}
	}

	p.logger.Info().
		Str("progress", Format(done, p.total)).
		Msg("Progress")
}

// Format renders progress as "42/100 (42%)".
func Format(done, total int) string {
	if total <= 0 {
		return fmt.Sprintf("%d/%d (100%%)", done, total)
	}
	return fmt.Sprintf("%d/%d (%d%%)", done, total, done*100/total)
}
