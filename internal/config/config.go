// Package config loads gridsync configuration through viper.
package config

import (
	"strings"
	"time"

	"github.com/Sternrassler/gridsync/pkg/batch"
	"github.com/Sternrassler/gridsync/pkg/client"
	"github.com/Sternrassler/gridsync/pkg/concurrency"
	"github.com/Sternrassler/gridsync/pkg/engine"
	"github.com/Sternrassler/gridsync/pkg/logging"
	"github.com/Sternrassler/gridsync/pkg/pool"
	"github.com/Sternrassler/gridsync/pkg/reconcile"
	"github.com/Sternrassler/gridsync/pkg/retry"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GRIDSYNC_API_CANDIDATE_ID.
const EnvPrefix = "GRIDSYNC"

// Config is the complete gridsync configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// APIConfig addresses the remote grid service.
type APIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	CandidateID string        `mapstructure:"candidate_id"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// EngineConfig sizes batching and concurrency.
type EngineConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	BatchDelay         time.Duration `mapstructure:"batch_delay"`
	InitialConcurrency int           `mapstructure:"initial_concurrency"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	AdjustInterval     time.Duration `mapstructure:"adjust_interval"`
	RateDecreaseFactor float64       `mapstructure:"rate_decrease_factor"`
}

// RetryConfig controls per-task backoff.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Factor     float64       `mapstructure:"factor"`
	MinDelay   time.Duration `mapstructure:"min_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     bool          `mapstructure:"jitter"`
}

// ReconcileConfig bounds verification.
type ReconcileConfig struct {
	VerifyPasses int `mapstructure:"verify_passes"`
}

// CacheConfig enables the Redis goal map cache.
type CacheConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
}

// LoggingConfig selects level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig enables the /metrics and /health listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   "https://challenge.crossmint.io/api",
			Timeout:   30 * time.Second,
			UserAgent: "gridsync/1.0",
		},
		Engine: EngineConfig{
			BatchSize:          batch.DefaultSize,
			BatchDelay:         batch.DefaultDelay,
			InitialConcurrency: 4,
			MaxConcurrency:     8,
			AdjustInterval:     10 * time.Second,
			RateDecreaseFactor: pool.DefaultRateDecreaseFactor,
		},
		Retry: RetryConfig{
			MaxRetries: 5,
			Factor:     2,
			MinDelay:   time.Second,
			MaxDelay:   30 * time.Second,
			Jitter:     true,
		},
		Reconcile: ReconcileConfig{
			VerifyPasses: reconcile.DefaultVerifyPasses,
		},
		Cache: CacheConfig{
			RedisAddr: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.candidate_id", d.API.CandidateID)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("api.user_agent", d.API.UserAgent)

	v.SetDefault("engine.batch_size", d.Engine.BatchSize)
	v.SetDefault("engine.batch_delay", d.Engine.BatchDelay)
	v.SetDefault("engine.initial_concurrency", d.Engine.InitialConcurrency)
	v.SetDefault("engine.max_concurrency", d.Engine.MaxConcurrency)
	v.SetDefault("engine.adjust_interval", d.Engine.AdjustInterval)
	v.SetDefault("engine.rate_decrease_factor", d.Engine.RateDecreaseFactor)

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.factor", d.Retry.Factor)
	v.SetDefault("retry.min_delay", d.Retry.MinDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("reconcile.verify_passes", d.Reconcile.VerifyPasses)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// New returns a viper instance with defaults registered and environment
// overrides enabled (GRIDSYNC_ENGINE_BATCH_SIZE for engine.batch_size).
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from v into a Config struct and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ClientConfig builds the grid client configuration. The cache is attached
// by the caller.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.API.BaseURL, c.API.CandidateID)
	cfg.Timeout = c.API.Timeout
	cfg.UserAgent = c.API.UserAgent
	return cfg
}

// EngineConfig builds the execution engine configuration.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()

	cfg.Concurrency = concurrency.DefaultConfig()
	cfg.Concurrency.Initial = c.Engine.InitialConcurrency
	cfg.Concurrency.Max = c.Engine.MaxConcurrency
	cfg.Concurrency.Interval = c.Engine.AdjustInterval

	cfg.Batch = batch.DefaultConfig()
	cfg.Batch.Size = c.Engine.BatchSize
	cfg.Batch.Delay = c.Engine.BatchDelay
	cfg.Batch.Pool.RateDecreaseFactor = c.Engine.RateDecreaseFactor

	cfg.Retry = retry.DefaultPolicy()
	cfg.Retry.MaxRetries = c.Retry.MaxRetries
	cfg.Retry.Factor = c.Retry.Factor
	cfg.Retry.MinDelay = c.Retry.MinDelay
	cfg.Retry.MaxDelay = c.Retry.MaxDelay
	cfg.Retry.DisableJitter = !c.Retry.Jitter

	return cfg
}

// ReconcileConfig builds the reconciler configuration.
func (c *Config) ReconcileConfig() reconcile.Config {
	cfg := reconcile.DefaultConfig()
	cfg.VerifyPasses = c.Reconcile.VerifyPasses
	return cfg
}

// LoggingConfig builds the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.Level(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}
