//go:build integration

package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/Sternrassler/gridsync/internal/testutil"
	"github.com/Sternrassler/gridsync/pkg/cache"
	"github.com/Sternrassler/gridsync/pkg/client"
	"github.com/Sternrassler/gridsync/pkg/engine"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() {
		rc.Close()
		container.Terminate(ctx)
	})
	return rc
}

// TestReconcile_Integration_FullFlow runs the real stack: token bucket,
// retries with Retry-After, batches, the adaptive controller and the Redis
// goal cache.
func TestReconcile_Integration_FullFlow(t *testing.T) {
	goal := crossGoal()
	mock := testutil.NewMockGrid(candidate, goal)
	defer mock.Close()
	mock.SetWriteDelay(5 * time.Millisecond)
	mock.Script("POST /polyanets",
		testutil.MockResponse{StatusCode: 429, Headers: map[string]string{"Retry-After": "1"}},
		testutil.MockResponse{StatusCode: 429},
	)

	ccfg := client.DefaultConfig(mock.URL(), candidate)
	ccfg.Cache = cache.NewManager(setupRedis(t))
	c, err := client.New(ccfg)
	require.NoError(t, err)

	ecfg := engine.DefaultConfig()
	ecfg.Batch.Size = 5
	ecfg.Batch.Delay = 50 * time.Millisecond
	ecfg.Retry.MinDelay = 10 * time.Millisecond
	ecfg.Retry.MaxDelay = 100 * time.Millisecond
	eng := engine.New(context.Background(), ecfg)
	defer eng.Close()

	r := New(c, eng, DefaultConfig())

	summary, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, goal.String(), mock.Current().String())
	assert.Zero(t, summary.Failed)
	assert.GreaterOrEqual(t, mock.RequestCount("POST /polyanets"), 3, "throttled writes were retried")
	assert.LessOrEqual(t, mock.PeakInFlight(), 4)

	// The second run revalidates the cached goal map instead of downloading it.
	summary, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Passes)
	assert.Equal(t, 1, mock.NotModifiedCount())
}
