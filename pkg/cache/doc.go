// Package cache stores remote grid responses in Redis so unchanged maps can
// be revalidated with conditional requests instead of downloaded again.
//
// Entries keep the body together with the ETag, Last-Modified and Expires
// values of the response. The Redis TTL follows Expires; without one a
// DefaultTTL applies.
//
// # Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{Endpoint: "/map/abc/goal", CandidateID: "abc"}
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch and store
//	}
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Metrics
//
//   - gridsync_cache_hits_total - Cache hits
//   - gridsync_cache_misses_total - Cache misses
//   - gridsync_cache_not_modified_total - 304 revalidations
//   - gridsync_cache_errors_total{operation} - Redis failures
package cache
