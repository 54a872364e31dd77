// Package retry wraps a single fallible operation with bounded retries,
// exponential backoff with jitter, and Retry-After aware delays.
package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/gridsync/pkg/apierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"error_kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsync_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"error_kind"})

	retryRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_retry_rejected_total",
		Help: "Total number of errors the retry predicate refused to retry, by error kind",
	}, []string{"error_kind"})
)

// ErrRetryExhausted is returned (wrapping the last error) when all retry
// attempts are used up.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Do runs op until it succeeds, the policy refuses to retry, or MaxRetries
// retries have failed. The last error is always reachable via errors.Is/As.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	policy.defaults()

	var zero T
	attempt := 0
	for {
		value, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				log.Debug().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return value, nil
		}

		attempt++
		kind := string(apierror.KindOf(err))

		if attempt > policy.MaxRetries {
			retryExhaustedTotal.WithLabelValues(kind).Inc()
			log.Warn().
				Err(err).
				Str("error_kind", kind).
				Int("max_retries", policy.MaxRetries).
				Msg("Retry attempts exhausted")
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		if !policy.Retryable(err) {
			retryRejectedTotal.WithLabelValues(kind).Inc()
			log.Debug().
				Err(err).
				Str("error_kind", kind).
				Int("attempt", attempt).
				Msg("Error not retryable")
			return zero, err
		}

		delay := policy.Delay(attempt, err)

		retriesTotal.WithLabelValues(kind).Inc()
		retryBackoffSeconds.WithLabelValues(kind).Observe(delay.Seconds())

		log.Debug().
			Str("error_kind", kind).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying operation after backoff")

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt, delay)
		}

		if serr := policy.Sleep(ctx, delay); serr != nil {
			log.Warn().
				Str("error_kind", kind).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return zero, fmt.Errorf("retry backoff: %w (last error: %w)", serr, err)
		}
	}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
