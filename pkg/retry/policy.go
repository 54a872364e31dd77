package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/Sternrassler/gridsync/pkg/apierror"
	"github.com/rs/zerolog/log"
)

// Jitter bounds applied to the final delay.
const (
	JitterMin = 0.7
	JitterMax = 1.3
)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy holds the configuration for retry logic.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// Factor is the multiplier for exponential backoff.
	Factor float64

	// MinDelay is the delay before the first retry.
	MinDelay time.Duration

	// MaxDelay caps computed delays.
	MaxDelay time.Duration

	// DisableJitter turns off the random [0.7, 1.3] delay multiplier.
	DisableJitter bool

	// Retryable classifies errors. Defaults to DefaultRetryable.
	Retryable func(error) bool

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Sleep and Rand can be replaced in tests.
	Sleep SleepFunc
	Rand  func() float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		Factor:     2.0,
		MinDelay:   1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// DefaultRetryable retries rate limits, server errors and transport failures.
func DefaultRetryable(err error) bool {
	return apierror.KindOf(err).Retryable()
}

func (p *Policy) defaults() {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	if p.MinDelay <= 0 {
		p.MinDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
}

// Delay computes the wait before retry number attempt (1-indexed) after err.
//
// The base is MinDelay*Factor^(attempt-1) capped at MaxDelay. Rate-limit
// errors wait max(Retry-After hint, 2*base) when a hint was parsed, otherwise
// 2*base, capped at MaxDelay either way. A Retry-After header that was
// present but unparseable falls back to the uncapped base.
func (p Policy) Delay(attempt int, err error) time.Duration {
	p.defaults()

	raw := uncappedBase(p.MinDelay, p.Factor, attempt)
	base := min(raw, p.MaxDelay)

	delay := base
	if apierror.IsRateLimited(err) {
		delay = p.rateLimitDelay(base, raw, err)
	}

	if !p.DisableJitter {
		jittered := float64(delay) * (JitterMin + p.Rand()*(JitterMax-JitterMin))
		if jittered >= math.MaxInt64 {
			delay = time.Duration(math.MaxInt64)
		} else {
			delay = time.Duration(jittered)
		}
	}
	return delay
}

// uncappedBase returns minDelay*factor^(attempt-1), saturating at the
// largest representable duration.
func uncappedBase(minDelay time.Duration, factor float64, attempt int) time.Duration {
	f := float64(minDelay) * math.Pow(factor, float64(attempt-1))
	if f >= math.MaxInt64 || math.IsNaN(f) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func (p Policy) rateLimitDelay(base, raw time.Duration, err error) time.Duration {
	doubled := base * 2
	if doubled < base {
		doubled = p.MaxDelay
	}

	if hint, ok := apierror.RetryAfterHint(err); ok {
		return min(max(hint, doubled), p.MaxDelay)
	}

	var apiErr *apierror.Error
	if errors.As(err, &apiErr) && apiErr.Header.Get("Retry-After") != "" {
		log.Warn().
			Str("retry_after", apiErr.Header.Get("Retry-After")).
			Dur("delay", raw).
			Msg("Unparseable Retry-After header, using base delay")
		return raw
	}

	return min(doubled, p.MaxDelay)
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
