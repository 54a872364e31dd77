// Package metrics exposes the Prometheus registry used by gridsync.
// Metrics are defined next to the code that records them and registered
// through promauto; this package serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all gridsync metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Token Bucket (pkg/ratelimit):
//   - gridsync_ratelimit_wait_seconds (Histogram): Time spent waiting for a token
//   - gridsync_ratelimit_acquires_total{path} (Counter): Acquisitions, immediate or waited
//   - gridsync_ratelimit_rate_adjustments_total (Counter): Refill rate decreases
//   - gridsync_ratelimit_refill_rate (Gauge): Refill rate of the last adjusted bucket
//
// Retry (pkg/retry):
//   - gridsync_retries_total{error_kind} (Counter): Retry attempts
//   - gridsync_retry_backoff_seconds{error_kind} (Histogram): Backoff delays
//   - gridsync_retry_exhausted_total{error_kind} (Counter): Operations that ran out of retries
//   - gridsync_retry_rejected_total{error_kind} (Counter): Errors the predicate refused to retry
//
// Worker Pool (pkg/pool):
//   - gridsync_pool_tasks_total{outcome} (Counter): Settled tasks
//   - gridsync_pool_task_duration_seconds (Histogram): Task time including retries
//   - gridsync_pool_rate_adjustments_total (Counter): Limiter slowdowns after 429s
//
// Batches (pkg/batch):
//   - gridsync_batches_total{label} (Counter): Batches executed
//   - gridsync_batch_duration_seconds{label} (Histogram): Batch time without the pause
//   - gridsync_batch_rate_limited_total{label} (Counter): Rate-limited rejections
//
// Concurrency (pkg/concurrency):
//   - gridsync_concurrency_current (Gauge): Worker count
//   - gridsync_throttled_total (Counter): Throttling signals reported
//   - gridsync_concurrency_adjustments_total{direction, trigger} (Counter): Adjustments
//
// Engine (pkg/engine):
//   - gridsync_run_duration_seconds{label} (Histogram): Run duration
//   - gridsync_tasks_total{label, status} (Counter): Settled tasks per run label
//
// Requests (pkg/client):
//   - gridsync_requests_total{op, status} (Counter): Requests by operation and HTTP status
//   - gridsync_request_duration_seconds{op} (Histogram): Request latency
//   - gridsync_request_errors_total{kind} (Counter): Failures by kind
//
// Cache (pkg/cache):
//   - gridsync_cache_hits_total (Counter)
//   - gridsync_cache_misses_total (Counter)
//   - gridsync_cache_not_modified_total (Counter): 304 revalidations
//   - gridsync_cache_errors_total{operation} (Counter)
//
// Example Prometheus Queries:
//
//   # Throttling rate
//   rate(gridsync_throttled_total[5m])
//
//   # Share of writes answered with 429
//   sum(rate(gridsync_requests_total{status="429"}[5m])) / sum(rate(gridsync_requests_total[5m]))
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(gridsync_request_duration_seconds_bucket[5m]))
