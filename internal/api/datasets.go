// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

const inlineDataLimit = 100

// registerDatasetRequest is the POST /datasets payload.
type registerDatasetRequest struct {
	DatasetID   string         `json:"dataset_id"`
	Name        string         `json:"name"`
	Category    string         `json:"category"`
	Description string         `json:"description,omitempty"`
	Agency      string         `json:"agency,omitempty"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// handleListDatasets returns the paginated joined dataset view. Supported
// filters: category, with_analytics (true/false).
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	page, pageSize, ok := s.parsePagination(w, r)
	if !ok {
		return
	}

	category := r.URL.Query().Get("category")
	if category != "" {
		if err := storage.ValidateCategory(category); err != nil {
			WriteErrorResponse(w, r, s.logger, http.StatusBadRequest, ValidationFailed(err.Error()))

			return
		}
	}

	var withAnalytics *bool

	if raw := r.URL.Query().Get("with_analytics"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
				ValidationFailed("with_analytics must be true or false"))

			return
		}

		withAnalytics = &value
	}

	datasets, err := s.deps.Repo.ListDatasetsComplete(r.Context(), category, withAnalytics)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	pageItems, pageInfo := paginate(datasets, page, pageSize)

	s.writeJSON(w, r, http.StatusOK, listEnvelope{
		Success:    true,
		Data:       pageItems,
		Pagination: pageInfo,
	})
}

// handleRegisterDataset registers a dataset in both stores.
func (s *Server) handleRegisterDataset(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireScope(w, r, storage.ScopeWrite)
	if !ok {
		return
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, http.StatusUnsupportedMediaType,
			ValidationFailed("Content-Type must be application/json"))

		return
	}

	var req registerDatasetRequest

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			ValidationFailed("Malformed JSON body: "+err.Error()))

		return
	}

	dataset := &storage.Dataset{
		DatasetID:   req.DatasetID,
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
		Agency:      req.Agency,
		Priority:    req.Priority,
		Status:      storage.StatusActive,
		Metadata:    req.Metadata,
	}

	if err := dataset.Validate(); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	if err := s.deps.Repo.RegisterDatasetComplete(r.Context(), dataset, principal.APIKeyID); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, dataset)
}

// handleGetDataset returns the joined view of one dataset. With
// include_data=true a bounded sample of observations is inlined.
func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	datasetID := r.PathValue("id")
	if err := storage.ValidateDatasetID(datasetID); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	dataset, err := s.deps.Repo.GetDatasetComplete(r.Context(), datasetID)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	includeData, _ := strconv.ParseBool(r.URL.Query().Get("include_data"))
	if !includeData {
		s.writeJSON(w, r, http.StatusOK, dataset)

		return
	}

	observations, err := s.deps.Repo.GetDatasetTimeSeries(r.Context(), datasetID, "", "", 0, 0)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	if len(observations) > inlineDataLimit {
		observations = observations[:inlineDataLimit]
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"dataset":      dataset,
		"observations": observations,
	})
}

// handleTimeSeries returns filtered observation rows for one dataset.
// Filters: territory_code, measure, start_year, end_year.
func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	datasetID := r.PathValue("id")
	if err := storage.ValidateDatasetID(datasetID); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	startYear, ok := s.parseYearParam(w, r, "start_year")
	if !ok {
		return
	}

	endYear, ok := s.parseYearParam(w, r, "end_year")
	if !ok {
		return
	}

	territoryCode := r.URL.Query().Get("territory_code")
	measureCode := r.URL.Query().Get("measure")

	observations, err := s.deps.Repo.GetDatasetTimeSeries(r.Context(), datasetID, territoryCode, measureCode, startYear, endYear)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, listEnvelope{
		Success: true,
		Data:    observations,
	})
}

// parseYearParam reads an optional integer year query parameter; 0 means
// unset.
func (s *Server) parseYearParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}

	year, err := strconv.Atoi(raw)
	if err != nil || year < 0 {
		WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
			ValidationFailed(name+" must be a non-negative integer"))

		return 0, false
	}

	return year, true
}
