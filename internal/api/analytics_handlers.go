// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const (
	defaultUsageHours   = 24
	maxUsageHours       = 24 * 30
	recentFailuresLimit = 10
)

// handleUsage reports per-key request analytics computed from the audit log:
// request counts, failure counts, average execution time, and the most
// recent failures.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeAdmin); !ok {
		return
	}

	hours := defaultUsageHours

	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxUsageHours {
			WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
				ValidationFailed("hours must be an integer between 1 and 720"))

			return
		}

		hours = n
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	usage, err := s.deps.Audit.UsageByKey(r.Context(), since)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	failures, err := s.deps.Audit.RecentFailures(r.Context(), recentFailuresLimit)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"success":         true,
		"since":           since.Format(time.RFC3339),
		"usage":           usage,
		"recent_failures": failures,
	})
}
