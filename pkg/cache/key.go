package cache

import (
	"net/url"
	"sort"
	"strings"
)

// KeyPrefix namespaces all cache keys in Redis.
const KeyPrefix = "gridsync:cache"

// Key identifies a cached response.
type Key struct {
	// Endpoint is the request path, e.g. "/map/abc/goal".
	Endpoint string

	// CandidateID scopes the entry to one grid owner.
	CandidateID string

	// QueryParams are included sorted, so ordering does not matter.
	QueryParams url.Values
}

// String generates a deterministic Redis key.
//
// Example:
//
//	gridsync:cache:abc:map/abc/goal:page=1
func (k Key) String() string {
	parts := []string{KeyPrefix}

	if k.CandidateID != "" {
		parts = append(parts, k.CandidateID)
	}

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.QueryParams) > 0 {
		names := make([]string, 0, len(k.QueryParams))
		for name := range k.QueryParams {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, name+"="+k.QueryParams.Get(name))
		}
	}

	return strings.Join(parts, ":")
}
