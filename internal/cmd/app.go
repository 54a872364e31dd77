package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Sternrassler/gridsync/internal/config"
	"github.com/Sternrassler/gridsync/pkg/cache"
	"github.com/Sternrassler/gridsync/pkg/client"
	"github.com/Sternrassler/gridsync/pkg/engine"
	"github.com/Sternrassler/gridsync/pkg/logging"
	"github.com/Sternrassler/gridsync/pkg/metrics"
	"github.com/Sternrassler/gridsync/pkg/reconcile"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the components one command invocation needs.
type app struct {
	client     *client.Client
	engine     *engine.Engine
	reconciler *reconcile.Reconciler
	redis      *redis.Client
	server     *http.Server
	logger     zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.RequireCandidate(); err != nil {
		return nil, err
	}

	a := &app{logger: logging.NewLogger("gridsync")}

	clientCfg := cfg.ClientConfig()
	if cfg.Cache.Enabled {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
		manager := cache.NewManager(a.redis)
		if err := manager.Ping(ctx); err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
		clientCfg.Cache = manager
		a.logger.Info().Str("addr", cfg.Cache.RedisAddr).Msg("Goal map cache enabled")
	}

	c, err := client.New(clientCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	a.client = c

	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(cfg.Metrics.Addr); err != nil {
			a.close()
			return nil, err
		}
	}

	a.engine = engine.New(ctx, cfg.EngineConfig())
	a.reconciler = reconcile.New(a.client, a.engine, cfg.ReconcileConfig())
	return a, nil
}

func (a *app) serveMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	a.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	if a.redis != nil {
		a.redis.Close()
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
