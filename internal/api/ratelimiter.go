// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const limitCacheTTL = time.Minute

// StoreRateLimiter enforces per-key hourly limits through the metadata
// store's rate_limits table, so counters hold across restarts and replicas.
// The key's configured limit is cached per process for a minute to keep one
// metadata read off the hot path.
type StoreRateLimiter struct {
	windows *storage.RateLimitStore
	keys    *storage.APIKeyStore

	mu     sync.Mutex
	limits map[string]cachedLimit
}

type cachedLimit struct {
	limit     int
	expiresAt time.Time
}

// NewStoreRateLimiter creates a limiter over the shared metadata stores.
func NewStoreRateLimiter(windows *storage.RateLimitStore, keys *storage.APIKeyStore) *StoreRateLimiter {
	return &StoreRateLimiter{
		windows: windows,
		keys:    keys,
		limits:  map[string]cachedLimit{},
	}
}

// Allow counts one request against the key's current window for the route
// template the path belongs to.
func (l *StoreRateLimiter) Allow(ctx context.Context, apiKeyID, endpoint string) (*storage.Decision, error) {
	limit, err := l.keyLimit(ctx, apiKeyID)
	if err != nil {
		return nil, err
	}

	return l.windows.Allow(ctx, apiKeyID, NormalizeEndpoint(endpoint), limit, time.Now().UTC())
}

func (l *StoreRateLimiter) keyLimit(ctx context.Context, apiKeyID string) (int, error) {
	l.mu.Lock()
	cached, ok := l.limits[apiKeyID]
	l.mu.Unlock()

	if ok && time.Now().Before(cached.expiresAt) {
		return cached.limit, nil
	}

	key, err := l.keys.GetByID(ctx, apiKeyID)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.limits[apiKeyID] = cachedLimit{limit: key.RateLimit, expiresAt: time.Now().Add(limitCacheTTL)}
	l.mu.Unlock()

	return key.RateLimit, nil
}

// NormalizeEndpoint collapses a concrete request path onto its route
// template, so every dataset detail request shares one counter window.
func NormalizeEndpoint(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) >= 2 && parts[0] == "datasets":
		if len(parts) >= 3 && parts[2] == "timeseries" {
			return "/datasets/{id}/timeseries"
		}

		return "/datasets/{id}"
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "analysis" && parts[2] == "rules":
		return "/api/analysis/rules/{rule_id}"
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "istat" && parts[2] == "dataset":
		return "/api/istat/dataset/{id}"
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "istat" && parts[2] == "sync":
		return "/api/istat/sync/{id}"
	default:
		return path
	}
}
