package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/Sternrassler/gridsync/internal/testutil"
	"github.com/Sternrassler/gridsync/pkg/client"
	"github.com/Sternrassler/gridsync/pkg/engine"
	"github.com/Sternrassler/gridsync/pkg/grid"
	"github.com/Sternrassler/gridsync/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const candidate = "cand-42"

type noopLimiter struct{}

func (noopLimiter) Acquire(ctx context.Context) error { return ctx.Err() }
func (noopLimiter) AdjustRate(float64)                {}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func crossGoal() grid.Grid {
	g := grid.New(5, 5)
	for i := range 5 {
		g[i][i] = &grid.Entity{Kind: grid.Polyanet}
		g[i][4-i] = &grid.Entity{Kind: grid.Polyanet}
	}
	g[0][2] = &grid.Entity{Kind: grid.Soloon, Color: "white"}
	g[4][2] = &grid.Entity{Kind: grid.Cometh, Direction: "down"}
	return g
}

type fixture struct {
	mock       *testutil.MockGrid
	reconciler *Reconciler
}

func newFixture(t *testing.T, goal grid.Grid, verifyPasses int) *fixture {
	t.Helper()

	mock := testutil.NewMockGrid(candidate, goal)
	t.Cleanup(mock.Close)

	c, err := client.New(client.DefaultConfig(mock.URL(), candidate))
	require.NoError(t, err)

	ecfg := engine.DefaultConfig()
	ecfg.Concurrency.Initial = 3
	ecfg.Concurrency.Interval = time.Hour
	ecfg.Batch.Size = 4
	ecfg.Batch.Sleep = noSleep
	ecfg.Batch.Pool.NewLimiter = func(int) (pool.Limiter, error) { return noopLimiter{}, nil }
	ecfg.Retry.MaxRetries = 2
	ecfg.Retry.Sleep = noSleep
	eng := engine.New(context.Background(), ecfg)
	t.Cleanup(eng.Close)

	cfg := DefaultConfig()
	cfg.VerifyPasses = verifyPasses

	return &fixture{mock: mock, reconciler: New(c, eng, cfg)}
}

func TestReconcile_Converges(t *testing.T) {
	goal := crossGoal()
	f := newFixture(t, goal, 3)

	stale := grid.New(5, 5)
	stale[0][2] = &grid.Entity{Kind: grid.Soloon, Color: "red"}
	stale[2][0] = &grid.Entity{Kind: grid.Cometh, Direction: "up"}
	f.mock.SetCurrent(stale)

	summary, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, goal.String(), f.mock.Current().String())
	assert.Equal(t, 1, summary.Passes)
	assert.Equal(t, 2, summary.Deleted)
	assert.Equal(t, goal.Count(), summary.Created)
	assert.Zero(t, summary.Remaining)

	// A second run against the matching grid does nothing.
	posts := f.mock.RequestCount("POST /polyanets")
	summary, err = f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Passes)
	assert.Equal(t, posts, f.mock.RequestCount("POST /polyanets"))
}

func TestReconcile_RetriesThrottledWrites(t *testing.T) {
	f := newFixture(t, crossGoal(), 3)
	f.mock.Script("POST /polyanets",
		testutil.MockResponse{StatusCode: 429, Headers: map[string]string{"Retry-After": "0"}},
		testutil.MockResponse{StatusCode: 503},
	)

	summary, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, crossGoal().String(), f.mock.Current().String())
}

func TestReconcile_VerificationPassRepairsFailures(t *testing.T) {
	f := newFixture(t, crossGoal(), 3)
	// One comet write fails permanently on the first pass only.
	f.mock.Script("POST /comeths", testutil.MockResponse{StatusCode: 400, Body: "busy"})

	summary, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Passes)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, crossGoal().String(), f.mock.Current().String())
}

func TestReconcile_NotConverged(t *testing.T) {
	f := newFixture(t, crossGoal(), 1)
	for range 5 {
		f.mock.Script("POST /soloons", testutil.MockResponse{StatusCode: 400, Body: "rejected"})
	}

	summary, err := f.reconciler.Reconcile(context.Background())
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, 2, summary.Passes)
	assert.Equal(t, 1, summary.Remaining)
}

func TestClear(t *testing.T) {
	f := newFixture(t, crossGoal(), 3)
	f.mock.SetCurrent(crossGoal())
	f.mock.SetWriteDelay(2 * time.Millisecond)

	summary, err := f.reconciler.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crossGoal().Count(), summary.Deleted)
	assert.Zero(t, f.mock.Current().Count())
	assert.LessOrEqual(t, f.mock.PeakInFlight(), 3, "writes never exceed the worker count")
}

func TestPlanOnly(t *testing.T) {
	f := newFixture(t, crossGoal(), 3)

	deletes, creates, err := f.reconciler.PlanOnly(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deletes)
	assert.Len(t, creates, crossGoal().Count())
	assert.Zero(t, f.mock.RequestCount("POST /polyanets"), "planning makes no writes")
}

func TestReconcile_GoalFetchFailure(t *testing.T) {
	f := newFixture(t, crossGoal(), 3)
	f.mock.Script("GET /map/"+candidate+"/goal", testutil.MockResponse{StatusCode: 404})

	_, err := f.reconciler.Reconcile(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch goal")
}
