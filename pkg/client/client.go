// Package client provides the HTTP client for the remote grid service with
// error classification and optional response caching.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gridsync/pkg/apierror"
	"github.com/Sternrassler/gridsync/pkg/cache"
	"github.com/Sternrassler/gridsync/pkg/grid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for grid service requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_requests_total",
		Help: "Total grid service requests by operation and status",
	}, []string{"op", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsync_request_duration_seconds",
		Help:    "Grid service request duration in seconds by operation",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"op"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_request_errors_total",
		Help: "Total grid service errors by kind",
	}, []string{"kind"})
)

// maxMessageLen caps the response body excerpt kept in error messages.
const maxMessageLen = 200

// ResponseCache stores goal map responses between runs.
// *cache.Manager satisfies it.
type ResponseCache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, error)
	Set(ctx context.Context, key cache.Key, entry *cache.Entry) error
	UpdateTTL(ctx context.Context, key cache.Key, expires time.Time) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the grid service API, without trailing slash.
	BaseURL string

	// CandidateID identifies the grid owner on every request.
	CandidateID string

	UserAgent string
	Timeout   time.Duration

	// Cache is optional. When set, the goal map is revalidated with
	// conditional requests.
	Cache ResponseCache
}

// DefaultConfig returns a configuration with the given endpoint and owner.
func DefaultConfig(baseURL, candidateID string) Config {
	return Config{
		BaseURL:     baseURL,
		CandidateID: candidateID,
		UserAgent:   "gridsync/1.0",
		Timeout:     30 * time.Second,
	}
}

// Client talks to the remote grid service.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.CandidateID == "" {
		return nil, errors.New("candidate id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     log.With().Str("component", "grid-client").Logger(),
		now:        time.Now,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// CandidateID returns the configured grid owner.
func (c *Client) CandidateID() string {
	return c.config.CandidateID
}

// FetchGoal returns the goal map.
func (c *Client) FetchGoal(ctx context.Context) (grid.Grid, error) {
	path := "/map/" + c.config.CandidateID + "/goal"

	if c.config.Cache == nil {
		body, err := c.call(ctx, "fetch_goal", http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		return grid.ParseGoal(body)
	}

	body, err := c.fetchCached(ctx, "fetch_goal", path)
	if err != nil {
		return nil, err
	}
	return grid.ParseGoal(body)
}

// FetchCurrent returns the current map.
func (c *Client) FetchCurrent(ctx context.Context) (grid.Grid, error) {
	body, err := c.call(ctx, "fetch_current", http.MethodGet, "/map/"+c.config.CandidateID, nil)
	if err != nil {
		return nil, err
	}
	return grid.ParseCurrent(body)
}

type entityRequest struct {
	CandidateID string `json:"candidateId"`
	Row         int    `json:"row"`
	Column      int    `json:"column"`
	Color       string `json:"color,omitempty"`
	Direction   string `json:"direction,omitempty"`
}

// CreateEntity places e at (row, col).
func (c *Client) CreateEntity(ctx context.Context, row, col int, e grid.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("create %s at (%d,%d): %w", e.Kind, row, col, err)
	}

	_, err := c.call(ctx, "create", http.MethodPost, "/"+e.Kind.Resource(), entityRequest{
		CandidateID: c.config.CandidateID,
		Row:         row,
		Column:      col,
		Color:       e.Color,
		Direction:   e.Direction,
	})
	return err
}

// DeleteEntity removes the entity of kind at (row, col).
func (c *Client) DeleteEntity(ctx context.Context, kind grid.Kind, row, col int) error {
	_, err := c.call(ctx, "delete", http.MethodDelete, "/"+kind.Resource(), entityRequest{
		CandidateID: c.config.CandidateID,
		Row:         row,
		Column:      col,
	})
	return err
}

// call performs one request and returns the body of a 2xx response.
func (c *Client) call(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	resp, err := c.send(ctx, op, method, path, payload, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apierror.Error{Kind: apierror.KindNetwork, StatusCode: resp.StatusCode, Op: op, Err: err}
	}
	return body, nil
}

// send executes a request. Failures are returned as *apierror.Error; on
// success the caller owns the response body. A 304 is not an error.
func (c *Client) send(ctx context.Context, op, method, path string, payload any, entry *cache.Entry) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cache.ShouldMakeConditionalRequest(entry) {
		cache.AddConditionalHeaders(req, entry)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		requestsTotal.WithLabelValues(op, "network_error").Inc()
		errorsTotal.WithLabelValues(string(apierror.KindNetwork)).Inc()
		c.logger.Debug().Err(err).Str("op", op).Msg("Request failed")
		return nil, &apierror.Error{Kind: apierror.KindNetwork, Op: op, Err: err}
	}

	requestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := c.newAPIError(op, resp)
		errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		c.logger.Debug().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("error_kind", string(apiErr.Kind)).
			Msg("Request error")
		return nil, apiErr
	}

	return resp, nil
}

// newAPIError classifies a failed response. Retry-After is parsed here and
// nowhere else.
func (c *Client) newAPIError(op string, resp *http.Response) *apierror.Error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxMessageLen))

	apiErr := &apierror.Error{
		Kind:       apierror.Classify(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Op:         op,
		Message:    strings.TrimSpace(string(excerpt)),
		Header:     resp.Header.Clone(),
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		d, err := apierror.ParseRetryAfter(v, c.now())
		if err != nil {
			c.logger.Warn().Err(err).Str("op", op).Str("retry_after", v).Msg("Ignoring unparseable Retry-After header")
		} else {
			apiErr.RetryAfter = d
			apiErr.HasRetryAfter = true
		}
	}

	return apiErr
}

// fetchCached performs a GET through the response cache.
func (c *Client) fetchCached(ctx context.Context, op, path string) ([]byte, error) {
	key := cache.Key{Endpoint: path, CandidateID: c.config.CandidateID}

	entry, err := c.config.Cache.Get(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("endpoint", path).Msg("Cache get error")
	}

	resp, err := c.send(ctx, op, http.MethodGet, path, nil, entry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && entry == nil {
		errorsTotal.WithLabelValues(string(apierror.KindUnknown)).Inc()
		return nil, &apierror.Error{
			Kind:       apierror.KindUnknown,
			StatusCode: resp.StatusCode,
			Op:         op,
			Message:    "not modified without a cached entry",
			Header:     resp.Header.Clone(),
		}
	}

	if resp.StatusCode == http.StatusNotModified {
		c.logger.Debug().Str("endpoint", path).Msg("304 Not Modified, using cache")
		if v := resp.Header.Get("Expires"); v != "" {
			if expires, err := http.ParseTime(v); err == nil {
				if err := c.config.Cache.UpdateTTL(ctx, key, expires); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
				}
			}
		}
		return entry.Body, nil
	}

	fresh, err := cache.ResponseToEntry(resp)
	if err != nil {
		return nil, &apierror.Error{Kind: apierror.KindNetwork, StatusCode: resp.StatusCode, Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusOK {
		if err := c.config.Cache.Set(ctx, key, fresh); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().Str("endpoint", path).Dur("ttl", fresh.TTL()).Msg("Cached response")
		}
	}
	return fresh.Body, nil
}
