// Package concurrency implements the feedback loop that sizes the worker
// pool from observed throttling.
//
// The controller grows the worker count by one after a quiet window and
// shrinks it in proportion to the throttling errors reported since the last
// adjustment. Adjustments run on a periodic tick and can also be triggered
// immediately (for example after a batch that saw rate limits).
//
// # Usage
//
//	ctrl := concurrency.NewController(concurrency.DefaultConfig())
//	ctrl.Start(ctx)
//	defer ctrl.Stop()
//
//	ctrl.ReportThrottled(3)
//	n := ctrl.Current()
//
// # Thread Safety
//
// All methods are safe for concurrent use. The throttle counter is consumed
// and reset under the same lock that applies the adjustment, so a reported
// error is counted by exactly one adjustment.
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for the concurrency controller.
var (
	concurrencyCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridsync_concurrency_current",
		Help: "Current worker count chosen by the concurrency controller",
	})

	throttledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsync_throttled_total",
		Help: "Total throttling signals (HTTP 429) reported to the controller",
	})

	adjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_concurrency_adjustments_total",
		Help: "Total concurrency adjustments by direction and trigger",
	}, []string{"direction", "trigger"})
)

// Trigger identifies what caused an adjustment.
type Trigger string

const (
	TriggerTick      Trigger = "tick"
	TriggerImmediate Trigger = "immediate"
)

// Config holds controller configuration.
type Config struct {
	// Initial is the starting worker count.
	Initial int

	// Max caps the worker count.
	Max int

	// Interval is the period of the adjustment tick.
	Interval time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Initial:  4,
		Max:      8,
		Interval: 10 * time.Second,
		Logger:   log.With().Str("component", "concurrency").Logger(),
	}
}

// Decision describes one adjustment.
type Decision struct {
	Trigger   Trigger
	Previous  int
	Current   int
	Throttled int
}

// Delta returns the change in worker count.
func (d Decision) Delta() int {
	return d.Current - d.Previous
}

// Controller owns the worker count and the throttle counter.
type Controller struct {
	mu        sync.Mutex
	current   int
	max       int
	throttled int

	interval time.Duration
	logger   zerolog.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewController creates a controller. It does not tick until Start is called.
func NewController(cfg Config) *Controller {
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	if cfg.Initial < 1 {
		cfg.Initial = 1
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	concurrencyCurrent.Set(float64(cfg.Initial))

	return &Controller{
		current:  cfg.Initial,
		max:      cfg.Max,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// Start launches the periodic adjustment tick. It returns immediately; the
// tick runs until Stop is called or ctx is cancelled. Calling Start twice
// has no effect.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil || c.stopped {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(ctx, done)
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d := c.adjust(TriggerTick)
			c.logger.Info().
				Int("concurrency", d.Current).
				Int("previous", d.Previous).
				Int("throttled", d.Throttled).
				Msg("Concurrency tick")
		}
	}
}

// Stop cancels the periodic tick and waits for it to exit. It is safe to
// call more than once and before Start; a stopped controller never starts.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Debug().Msg("Concurrency controller stopped")
}

// ReportThrottled records n throttling signals for the next adjustment.
func (c *Controller) ReportThrottled(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.throttled += n
	c.mu.Unlock()
	throttledTotal.Add(float64(n))
}

// Adjust applies an immediate adjustment from the throttling reported so far.
func (c *Controller) Adjust() Decision {
	d := c.adjust(TriggerImmediate)
	if d.Delta() != 0 {
		c.logger.Warn().
			Int("concurrency", d.Current).
			Int("previous", d.Previous).
			Int("throttled", d.Throttled).
			Msg("Concurrency adjusted after throttling")
	}
	return d
}

// adjust increases the worker count by one when nothing was throttled,
// otherwise decreases it by min(throttled, current-1). The counter is reset
// either way.
func (c *Controller) adjust(trigger Trigger) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := Decision{
		Trigger:   trigger,
		Previous:  c.current,
		Throttled: c.throttled,
	}

	if c.throttled == 0 {
		if c.current < c.max {
			c.current++
		}
	} else {
		c.current -= min(c.throttled, c.current-1)
	}
	c.throttled = 0
	d.Current = c.current

	switch {
	case d.Current > d.Previous:
		adjustmentsTotal.WithLabelValues("up", string(trigger)).Inc()
	case d.Current < d.Previous:
		adjustmentsTotal.WithLabelValues("down", string(trigger)).Inc()
	}
	concurrencyCurrent.Set(float64(c.current))

	return d
}

// Current returns the worker count to use for the next batch.
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Throttled returns the throttling signals not yet consumed by an adjustment.
func (c *Controller) Throttled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttled
}

// Max returns the configured upper bound.
func (c *Controller) Max() int {
	return c.max
}
