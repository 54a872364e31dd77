package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/gridsync/pkg/logging"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "engine.batch_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation
// errors found. The candidate id is checked by RequireCandidate because only
// commands that talk to the service need it.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateAPI()...)
	errs = append(errs, c.validateEngine()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validateMisc()...)
	return errs
}

// RequireCandidate reports a missing candidate id.
func (c *Config) RequireCandidate() error {
	if strings.TrimSpace(c.API.CandidateID) == "" {
		return ValidationErrors{{
			Field:   "api.candidate_id",
			Value:   c.API.CandidateID,
			Message: "is required (flag --candidate or env " + EnvPrefix + "_API_CANDIDATE_ID)",
		}}
	}
	return nil
}

func (c *Config) validateAPI() []ValidationError {
	var errs []ValidationError

	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{Field: "api.base_url", Value: c.API.BaseURL, Message: "must be an absolute URL"})
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "api.timeout", Value: c.API.Timeout, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateEngine() []ValidationError {
	var errs []ValidationError
	e := c.Engine

	if e.BatchSize < 1 {
		errs = append(errs, ValidationError{Field: "engine.batch_size", Value: e.BatchSize, Message: "must be at least 1"})
	}
	if e.BatchDelay < 0 {
		errs = append(errs, ValidationError{Field: "engine.batch_delay", Value: e.BatchDelay, Message: "must not be negative"})
	}
	if e.MaxConcurrency < 1 {
		errs = append(errs, ValidationError{Field: "engine.max_concurrency", Value: e.MaxConcurrency, Message: "must be at least 1"})
	}
	if e.InitialConcurrency < 1 || e.InitialConcurrency > e.MaxConcurrency {
		errs = append(errs, ValidationError{Field: "engine.initial_concurrency", Value: e.InitialConcurrency, Message: "must be between 1 and max_concurrency"})
	}
	if e.AdjustInterval <= 0 {
		errs = append(errs, ValidationError{Field: "engine.adjust_interval", Value: e.AdjustInterval, Message: "must be positive"})
	}
	if e.RateDecreaseFactor <= 0 || e.RateDecreaseFactor > 1 {
		errs = append(errs, ValidationError{Field: "engine.rate_decrease_factor", Value: e.RateDecreaseFactor, Message: "must be in (0, 1]"})
	}
	return errs
}

func (c *Config) validateRetry() []ValidationError {
	var errs []ValidationError
	r := c.Retry

	if r.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "retry.max_retries", Value: r.MaxRetries, Message: "must not be negative"})
	}
	if r.Factor < 1 {
		errs = append(errs, ValidationError{Field: "retry.factor", Value: r.Factor, Message: "must be at least 1"})
	}
	if r.MinDelay <= 0 {
		errs = append(errs, ValidationError{Field: "retry.min_delay", Value: r.MinDelay, Message: "must be positive"})
	}
	if r.MaxDelay < r.MinDelay {
		errs = append(errs, ValidationError{Field: "retry.max_delay", Value: r.MaxDelay, Message: "must not be below min_delay"})
	}
	return errs
}

func (c *Config) validateMisc() []ValidationError {
	var errs []ValidationError

	if c.Reconcile.VerifyPasses < 0 {
		errs = append(errs, ValidationError{Field: "reconcile.verify_passes", Value: c.Reconcile.VerifyPasses, Message: "must not be negative"})
	}
	if c.Cache.Enabled && c.Cache.RedisAddr == "" {
		errs = append(errs, ValidationError{Field: "cache.redis_addr", Value: c.Cache.RedisAddr, Message: "is required when the cache is enabled"})
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of debug, info, warn, error"})
	}
	return errs
}
