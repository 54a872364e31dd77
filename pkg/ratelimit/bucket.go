// Package ratelimit implements the token bucket that paces admission of
// individual remote operations, independently of how many workers are running.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for token bucket admission.
var (
	bucketWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridsync_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a token before admission",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	bucketAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_ratelimit_acquires_total",
		Help: "Total token acquisitions by path (immediate, waited)",
	}, []string{"path"})

	bucketRateAdjustmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsync_ratelimit_rate_adjustments_total",
		Help: "Total number of refill rate decreases after throttling",
	})

	bucketRefillRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridsync_ratelimit_refill_rate",
		Help: "Refill rate (tokens per second) of the most recently adjusted bucket",
	})
)

// Bucket sizing relative to the worker count it gates.
const (
	CapacityPerWorker = 2.0
	RatePerWorker     = 0.5 // tokens per second
)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Bucket is a token bucket limiter. Tokens refill continuously at a fixed
// (but decreasable) rate up to Capacity.
//
// A caller that has to wait for a token takes it after the wait without
// re-checking the bucket, so concurrent waiters can drive the token count
// below zero. Later callers then wait longer, which errs on the side of
// under-admission.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per millisecond
	lastRefill time.Time

	now    func() time.Time
	sleep  SleepFunc
	logger zerolog.Logger
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// WithSleep overrides how the bucket waits for tokens (for testing).
func WithSleep(sleep SleepFunc) Option {
	return func(b *Bucket) { b.sleep = sleep }
}

// WithLogger sets the bucket logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bucket) { b.logger = logger }
}

// NewBucket creates a full bucket with the given capacity and refill rate
// in tokens per second.
func NewBucket(capacity, perSecond float64, opts ...Option) (*Bucket, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be >= 1 (got %v)", capacity)
	}
	if perSecond <= 0 {
		return nil, fmt.Errorf("refill rate must be > 0 (got %v)", perSecond)
	}

	b := &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     perSecond / 1000,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   log.With().Str("component", "ratelimit").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()

	return b, nil
}

// NewBucketForWorkers sizes a bucket for a pool of n workers: capacity 2n,
// refill 0.5n tokens per second.
func NewBucketForWorkers(n int, opts ...Option) (*Bucket, error) {
	if n < 1 {
		return nil, fmt.Errorf("worker count must be >= 1 (got %d)", n)
	}
	return NewBucket(CapacityPerWorker*float64(n), RatePerWorker*float64(n), opts...)
}

// Acquire blocks until a token is available and consumes it.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		bucketAcquiresTotal.WithLabelValues("immediate").Inc()
		return nil
	}
	wait := time.Duration(math.Ceil((1-b.tokens)/b.rate)) * time.Millisecond
	b.mu.Unlock()

	b.logger.Debug().
		Dur("wait", wait).
		Msg("Waiting for rate limit token")

	if err := b.sleep(ctx, wait); err != nil {
		return fmt.Errorf("wait for token: %w", err)
	}

	b.mu.Lock()
	b.tokens--
	b.mu.Unlock()

	bucketAcquiresTotal.WithLabelValues("waited").Inc()
	bucketWaitSeconds.Observe(wait.Seconds())
	return nil
}

// AdjustRate multiplies the refill rate by factor. There is no matching
// increase; throughput is restored through pool size instead.
func (b *Bucket) AdjustRate(factor float64) {
	if factor <= 0 {
		return
	}

	b.mu.Lock()
	b.refillLocked()
	b.rate *= factor
	perSecond := b.rate * 1000
	b.mu.Unlock()

	bucketRateAdjustmentsTotal.Inc()
	bucketRefillRate.Set(perSecond)

	b.logger.Warn().
		Float64("factor", factor).
		Float64("refill_per_second", perSecond).
		Msg("Token bucket rate decreased after throttling")
}

// Tokens returns the current token count without refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token count.
func (b *Bucket) Capacity() float64 {
	return b.capacity
}

// RatePerSecond returns the current refill rate in tokens per second.
func (b *Bucket) RatePerSecond() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate * 1000
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsedMs := float64(now.Sub(b.lastRefill)) / float64(time.Millisecond)
	if elapsedMs > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsedMs*b.rate)
	}
	b.lastRefill = now
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
