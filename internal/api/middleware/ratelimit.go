// Package middleware provides HTTP middleware components for the Osservatorio API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// RateLimiter decides whether an authenticated request may proceed.
//
// Implementations track hourly request counts per API key and endpoint.
// The persistent implementation lives in the api package, backed by the
// rate_limits table, so limits survive restarts and hold across replicas.
type RateLimiter interface {
	// Allow records one request attempt for the key and endpoint and
	// returns the resulting decision.
	Allow(ctx context.Context, apiKeyID, endpoint string) (*storage.Decision, error)
}

// RateLimit creates a middleware that enforces per-key hourly rate limits.
//
// Every response carries X-RateLimit-Limit, X-RateLimit-Remaining, and
// X-RateLimit-Reset headers. Exhausted windows answer 429 with Retry-After.
// Requests without a principal (public endpoints) bypass the limiter, and a
// limiter failure lets the request through so a degraded metadata store does
// not take the API down with it.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, authenticated := GetPrincipal(r.Context())
			if !authenticated {
				next.ServeHTTP(w, r)

				return
			}

			decision, err := limiter.Allow(r.Context(), principal.APIKeyID, r.URL.Path)
			if err != nil {
				logger.Warn("Rate limiter unavailable, allowing request",
					slog.String("api_key_id", principal.APIKeyID),
					slog.String("endpoint", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("error", err.Error()),
				)

				next.ServeHTTP(w, r)

				return
			}

			setRateLimitHeaders(w, decision)

			if !decision.Allowed {
				logger.Warn("Rate limit exceeded",
					slog.String("api_key_id", principal.APIKeyID),
					slog.String("endpoint", r.URL.Path),
					slog.Int("limit", decision.Limit),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				retryAfter := time.Until(decision.ResetAt).Seconds()
				if retryAfter < 1 {
					retryAfter = 1
				}

				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))

				writeErr := writeEnvelopeError(
					w, r,
					http.StatusTooManyRequests,
					"Too Many Requests",
					"RATE_LIMITED",
					"Hourly request limit exceeded for this API key",
				)
				if writeErr != nil {
					logger.Error("Failed to encode rate limit error response",
						slog.String("correlation_id", GetCorrelationID(r.Context())),
						slog.Any("encode_error", writeErr),
					)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, decision *storage.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
}
