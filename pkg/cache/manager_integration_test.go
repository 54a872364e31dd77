//go:build integration

package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

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
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		container.Terminate(ctx)
	})
	return client
}

func TestManager_Integration_SetAndGet(t *testing.T) {
	manager := NewManager(setupRedis(t))
	ctx := context.Background()
	key := Key{Endpoint: "/map/abc/goal", CandidateID: "abc"}

	entry := &Entry{
		Body:       []byte(`{"goal":[["SPACE"]]}`),
		ETag:       `"abc123"`,
		Expires:    time.Now().Add(5 * time.Minute),
		StatusCode: http.StatusOK,
		StoredAt:   time.Now(),
	}
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Body) != string(entry.Body) || got.ETag != entry.ETag {
		t.Errorf("Get() = %+v, want %+v", got, entry)
	}
}

func TestManager_Integration_Miss(t *testing.T) {
	manager := NewManager(setupRedis(t))

	_, err := manager.Get(context.Background(), Key{Endpoint: "/missing"})
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Integration_ExpiredEntryNotStored(t *testing.T) {
	manager := NewManager(setupRedis(t))
	ctx := context.Background()
	key := Key{Endpoint: "/expired"}

	if err := manager.Set(ctx, key, &Entry{Expires: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := manager.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get() error = %v, want ErrCacheMiss", err)
	}
}

func TestManager_Integration_UpdateTTL(t *testing.T) {
	manager := NewManager(setupRedis(t))
	ctx := context.Background()
	key := Key{Endpoint: "/map/abc/goal", CandidateID: "abc"}

	if err := manager.Set(ctx, key, &Entry{Body: []byte("x"), Expires: time.Now().Add(time.Second)}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	extended := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := manager.UpdateTTL(ctx, key, extended); err != nil {
		t.Fatalf("UpdateTTL() error = %v", err)
	}

	got, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Expires.Equal(extended) {
		t.Errorf("Expires = %v, want %v", got.Expires, extended)
	}
}
