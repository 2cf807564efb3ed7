// Package middleware provides HTTP middleware components for the Osservatorio API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// AuditRecorder persists audit entries. The audit store satisfies it.
type AuditRecorder interface {
	Append(ctx context.Context, entry *storage.AuditEntry) error
}

// Audit creates a middleware that records one audit entry per authenticated
// request: who called which endpoint, the outcome, and how long it took.
// Public endpoints are not audited. A failed append is logged and never
// blocks the response.
func Audit(recorder AuditRecorder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, authenticated := GetPrincipal(r.Context())
			if !authenticated {
				next.ServeHTTP(w, r)

				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			entry := &storage.AuditEntry{
				UserID:          principal.APIKeyID,
				Action:          r.Method + " " + r.URL.Path,
				ResourceType:    "endpoint",
				ResourceID:      r.URL.Path,
				Success:         rw.statusCode < http.StatusBadRequest,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
			}

			if err := recorder.Append(r.Context(), entry); err != nil {
				logger.Warn("Failed to record audit entry",
					slog.String("api_key_id", principal.APIKeyID),
					slog.String("endpoint", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}
