// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"net/http"
	"strconv"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const defaultDataflowLimit = 20

// handleIstatStatus reports the ingestion client's counters and breaker
// state.
func (s *Server) handleIstatStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, s.deps.Istat.Status())
}

// handleIstatDataflows lists upstream dataflows. Serves the cache fallback
// with source=cache_fallback while the upstream is down.
func (s *Server) handleIstatDataflows(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	limit := defaultDataflowLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
				ValidationFailed("limit must be an integer"))

			return
		}

		limit = n
	}

	result, err := s.deps.Istat.FetchDataflows(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, result)
}

// handleIstatDataset fetches one upstream dataset. include_data=true parses
// observations; quality=true adds the quality report.
func (s *Server) handleIstatDataset(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	datasetID := r.PathValue("id")
	if err := storage.ValidateDatasetID(datasetID); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	withQuality, _ := strconv.ParseBool(r.URL.Query().Get("quality"))
	if withQuality {
		result, err := s.deps.Istat.FetchWithQualityValidation(r.Context(), datasetID)
		if err != nil {
			writeDomainError(w, r, s.logger, err)

			return
		}

		s.writeJSON(w, r, http.StatusOK, result)

		return
	}

	includeData, _ := strconv.ParseBool(r.URL.Query().Get("include_data"))

	result, err := s.deps.Istat.FetchDataset(r.Context(), datasetID, includeData)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, result)
}

// handleIstatSync syncs one upstream dataset into the local stores:
// observations into the analytics store, counters into dataset metadata.
func (s *Server) handleIstatSync(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeWrite); !ok {
		return
	}

	datasetID := r.PathValue("id")
	if err := storage.ValidateDatasetID(datasetID); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	result, err := s.deps.Istat.SyncToRepository(r.Context(), datasetID, s.deps.Analytics, s.deps.Datasets)
	if err != nil {
		// Partial success still reports what was synced.
		if result != nil {
			s.writeJSON(w, r, http.StatusAccepted, map[string]any{
				"success": false,
				"result":  result,
				"detail":  err.Error(),
			})

			return
		}

		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, result)
}
