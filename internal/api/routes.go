// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2

	defaultPageSize = 50
	maxPageSize     = 1000

	serviceVersion = "v1.0.0"
)

type (
	// Route represents an HTTP route configuration with a path and handler.
	Route struct {
		Path    string
		Handler http.HandlerFunc
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
		Components  any    `json:"components,omitempty"`
	}

	// listEnvelope wraps paginated collection responses.
	listEnvelope struct {
		Success    bool        `json:"success"`
		Data       any         `json:"data"`
		Pagination *pagination `json:"pagination,omitempty"`
	}

	pagination struct {
		Page       int `json:"page"`
		PageSize   int `json:"page_size"`
		Total      int `json:"total"`
		TotalPages int `json:"total_pages"`
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public probes
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // liveness probe
		Route{"GET /ready", s.handleReady},   // readiness probe with store checks
		Route{"GET /health", s.handleHealth}, // per-component status
		Route{"/", s.handleNotFound},         // catch-all 404
	)

	// Datasets
	mux.HandleFunc("GET /datasets", s.handleListDatasets)
	mux.HandleFunc("POST /datasets", s.handleRegisterDataset)
	mux.HandleFunc("GET /datasets/{id}", s.handleGetDataset)
	mux.HandleFunc("GET /datasets/{id}/timeseries", s.handleTimeSeries)

	// Auth administration
	mux.HandleFunc("POST /auth/token", s.handleCreateToken)
	mux.HandleFunc("GET /auth/keys", s.handleListKeys)

	// Usage analytics
	mux.HandleFunc("GET /analytics/usage", s.handleUsage)

	// OData surface
	mux.HandleFunc("GET /odata/", s.handleODataServiceDocument)
	mux.HandleFunc("GET /odata/$metadata", s.handleODataMetadata)
	mux.HandleFunc("GET /odata/Datasets", s.handleODataDatasets)
	mux.HandleFunc("GET /odata/Observations", s.handleODataObservations)
	mux.HandleFunc("GET /odata/Territories", s.handleODataTerritories)
	mux.HandleFunc("GET /odata/Measures", s.handleODataMeasures)

	// Dataflow analysis
	mux.HandleFunc("POST /api/analysis/dataflow", s.handleAnalyzeDataflow)
	mux.HandleFunc("POST /api/analysis/dataflow/upload", s.handleAnalyzeUpload)
	mux.HandleFunc("POST /api/analysis/dataflow/bulk", s.handleAnalyzeBulk)

	// Categorization rules
	mux.HandleFunc("GET /api/analysis/rules", s.handleListRules)
	mux.HandleFunc("POST /api/analysis/rules", s.handleCreateRule)
	mux.HandleFunc("PUT /api/analysis/rules/{rule_id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/analysis/rules/{rule_id}", s.handleDeleteRule)

	// Upstream ingestion
	mux.HandleFunc("GET /api/istat/status", s.handleIstatStatus)
	mux.HandleFunc("GET /api/istat/dataflows", s.handleIstatDataflows)
	mux.HandleFunc("GET /api/istat/dataset/{id}", s.handleIstatDataset)
	mux.HandleFunc("POST /api/istat/sync/{id}", s.handleIstatSync)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and
// rate limiting. Only health probes belong here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip the Go 1.22 method prefix ("GET /ping") for bypass
		// registration, since r.URL.Path carries only the path.
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// requireScope checks the authenticated principal for the required scope and
// writes the error response itself when the check fails. Handlers return
// immediately on false.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope string) (middleware.Principal, bool) {
	principal, authenticated := middleware.GetPrincipal(r.Context())
	if !authenticated {
		WriteErrorResponse(w, r, s.logger, http.StatusUnauthorized, Unauthorized("Authentication required"))

		return principal, false
	}

	if !principal.HasScope(scope) {
		WriteErrorResponse(w, r, s.logger, http.StatusForbidden,
			Forbidden("This operation requires the "+scope+" scope"))

		return principal, false
	}

	return principal, true
}

// parsePagination reads page/page_size query parameters. Out-of-range values
// are a 422; the bool result reports whether the handler may proceed.
func (s *Server) parsePagination(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	page := 1
	pageSize := defaultPageSize

	if raw := r.URL.Query().Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
				ValidationFailed("page must be an integer >= 1"))

			return 0, 0, false
		}

		page = n
	}

	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
				ValidationFailed("page_size must be an integer between 1 and 1000"))

			return 0, 0, false
		}

		pageSize = n
	}

	return page, pageSize, true
}

// paginate slices a collection for the requested page and builds the
// pagination block.
func paginate[T any](items []T, page, pageSize int) ([]T, *pagination) {
	total := len(items)

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}

	end := start + pageSize
	if end > total {
		end = total
	}

	return items[start:end], &pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
	}
}

// handlePing responds to liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes with a metadata store health check.
// Returns 503 while the store is unreachable so traffic drains away.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.deps.Conn == nil {
		s.logger.Warn("Metadata connection not configured - readiness check disabled",
			slog.String("correlation_id", correlationID),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.deps.Conn.HealthCheck(ctx); err != nil {
		s.logger.Error("Metadata store health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns per-component status through the repository.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "osservatorio",
		Version:     serviceVersion,
		Uptime:      uptime,
	}

	if s.deps.Repo != nil {
		status := s.deps.Repo.GetSystemStatus(r.Context())
		health.Components = status

		if status.Metadata.Status != "healthy" || status.Analytics.Status != "healthy" {
			health.Status = "degraded"
		}
	}

	s.writeJSON(w, r, http.StatusOK, health)
}

// handleNotFound returns envelope-shaped 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, http.StatusNotFound,
		NotFound("The requested resource was not found"))
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
