package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/gridsync/pkg/engine"
	"github.com/Sternrassler/gridsync/pkg/grid"
	"github.com/Sternrassler/gridsync/pkg/pool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotConverged is returned when work remains after the last verification pass.
var ErrNotConverged = errors.New("grid did not converge")

// DefaultVerifyPasses is the number of re-check passes after the first apply.
const DefaultVerifyPasses = 3

// Remote is the grid service. *client.Client satisfies it.
type Remote interface {
	FetchGoal(ctx context.Context) (grid.Grid, error)
	FetchCurrent(ctx context.Context) (grid.Grid, error)
	CreateEntity(ctx context.Context, row, col int, e grid.Entity) error
	DeleteEntity(ctx context.Context, kind grid.Kind, row, col int) error
}

// Runner executes labelled task lists. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, label string, tasks []engine.Task) ([]pool.Result[struct{}], engine.Report, error)
}

// Config holds reconciler configuration.
type Config struct {
	// VerifyPasses bounds the re-fetch and re-apply passes after the first one.
	VerifyPasses int

	Logger zerolog.Logger
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		VerifyPasses: DefaultVerifyPasses,
		Logger:       log.With().Str("component", "reconcile").Logger(),
	}
}

// Summary describes a reconciliation.
type Summary struct {
	Passes    int
	Deleted   int
	Created   int
	Failed    int
	Remaining int

	// Failures holds sample failures from the most recent pass that had any.
	Failures []error
}

// Reconciler drives the current grid toward the goal grid.
type Reconciler struct {
	remote Remote
	runner Runner
	config Config
	logger zerolog.Logger
}

// New creates a reconciler.
func New(remote Remote, runner Runner, cfg Config) *Reconciler {
	if cfg.VerifyPasses < 0 {
		cfg.VerifyPasses = 0
	}
	return &Reconciler{
		remote: remote,
		runner: runner,
		config: cfg,
		logger: cfg.Logger,
	}
}

// PlanOnly fetches both grids and returns the pending ops without applying them.
func (r *Reconciler) PlanOnly(ctx context.Context) (deletes, creates []Op, err error) {
	goal, err := r.remote.FetchGoal(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch goal: %w", err)
	}
	current, err := r.remote.FetchCurrent(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch current: %w", err)
	}
	deletes, creates = Plan(goal, current)
	return deletes, creates, nil
}

// Reconcile makes the current grid match the goal grid.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	goal, err := r.remote.FetchGoal(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch goal: %w", err)
	}
	r.logger.Info().
		Int("rows", goal.Rows()).
		Int("cols", goal.Cols()).
		Int("entities", goal.Count()).
		Msg("Fetched goal map")

	return r.converge(ctx, goal)
}

// Clear deletes every entity on the current grid.
func (r *Reconciler) Clear(ctx context.Context) (Summary, error) {
	return r.converge(ctx, nil)
}

// converge applies the diff against goal, then re-checks up to VerifyPasses
// times, re-running only what is still wrong.
func (r *Reconciler) converge(ctx context.Context, goal grid.Grid) (Summary, error) {
	var summary Summary

	for pass := 0; ; pass++ {
		current, err := r.remote.FetchCurrent(ctx)
		if err != nil {
			return summary, fmt.Errorf("fetch current: %w", err)
		}

		deletes, creates := Plan(goal, current)
		remaining := len(deletes) + len(creates)
		summary.Remaining = remaining

		logger := r.logger.With().Int("pass", pass).Logger()
		if remaining == 0 {
			logger.Info().Msg("Grid matches goal")
			return summary, nil
		}

		if pass > r.config.VerifyPasses {
			logger.Error().
				Int("remaining", remaining).
				Msg("Giving up after verification passes")
			return summary, notConverged(summary)
		}

		logger.Info().
			Int("deletes", len(deletes)).
			Int("creates", len(creates)).
			Msg("Applying changes")
		summary.Passes++

		deleted, delFailed, delSamples, err := r.apply(ctx, "delete", deletes)
		summary.Deleted += deleted
		summary.Failed += delFailed
		if err != nil {
			return summary, err
		}

		created, createFailed, createSamples, err := r.apply(ctx, "create", creates)
		summary.Created += created
		summary.Failed += createFailed
		if err != nil {
			return summary, err
		}

		if samples := append(delSamples, createSamples...); len(samples) > 0 {
			summary.Failures = samples[:min(len(samples), engine.MaxSampleFailures)]
		}
	}
}

// apply runs ops and returns the success and failure counts with sample
// failure errors.
func (r *Reconciler) apply(ctx context.Context, label string, ops []Op) (int, int, []error, error) {
	if len(ops) == 0 {
		return 0, 0, nil, nil
	}

	_, report, err := r.runner.Run(ctx, label, Tasks(ops, r.remote))
	if err != nil {
		return report.Fulfilled, report.Rejected, report.Failures, fmt.Errorf("%s: %w", label, err)
	}
	return report.Fulfilled, report.Rejected, report.Failures, nil
}

func notConverged(s Summary) error {
	if len(s.Failures) == 0 {
		return fmt.Errorf("%w: %d operations remaining after %d passes", ErrNotConverged, s.Remaining, s.Passes)
	}

	samples := make([]string, len(s.Failures))
	for i, f := range s.Failures {
		samples[i] = f.Error()
	}
	return fmt.Errorf("%w: %d operations remaining after %d passes; sample failures: %s",
		ErrNotConverged, s.Remaining, s.Passes, strings.Join(samples, "; "))
}
