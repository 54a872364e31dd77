package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts entries served from Redis.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsync_cache_hits_total",
		Help: "Total number of response cache hits",
	})

	// CacheMisses counts lookups that found nothing usable.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsync_cache_misses_total",
		Help: "Total number of response cache misses",
	})

	// NotModified counts 304 responses that revalidated a cached entry.
	NotModified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsync_cache_not_modified_total",
		Help: "Total number of 304 Not Modified revalidations",
	})

	// CacheErrors counts Redis failures by operation.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsync_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"}) // "get", "set", "delete"
)
