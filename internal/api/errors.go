// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/analytics"
	"github.com/osservatorio-istat/osservatorio/internal/api/middleware"
	"github.com/osservatorio-istat/osservatorio/internal/auth"
	"github.com/osservatorio-istat/osservatorio/internal/dataflow"
	"github.com/osservatorio-istat/osservatorio/internal/istat"
	"github.com/osservatorio-istat/osservatorio/internal/query"
	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// Stable machine error codes. Clients branch on these, never on detail text.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotFound            = "NOT_FOUND"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeConflict            = "CONFLICT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeInternalError       = "INTERNAL_ERROR"
)

// ErrorEnvelope is the error payload shape shared by every endpoint.
type ErrorEnvelope struct {
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type"`
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance,omitempty"`
	Timestamp string `json:"timestamp"`
	Details   any    `json:"details,omitempty"`
}

// NewErrorEnvelope creates an error envelope with the current timestamp.
func NewErrorEnvelope(errorType, errorCode, detail string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Success:   false,
		ErrorType: errorType,
		ErrorCode: errorCode,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithDetails attaches a structured details payload to the envelope.
func (e *ErrorEnvelope) WithDetails(details any) *ErrorEnvelope {
	e.Details = details

	return e
}

// WriteErrorResponse writes the standard error envelope with the given status.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, envelope *ErrorEnvelope) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if envelope.Instance == "" {
		envelope.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", status),
		)
	}
}

// Common error constructors for frequently used errors.

// Unauthorized creates a 401 envelope.
func Unauthorized(detail string) *ErrorEnvelope {
	return NewErrorEnvelope("Unauthorized", CodeUnauthorized, detail)
}

// Forbidden creates a 403 envelope.
func Forbidden(detail string) *ErrorEnvelope {
	return NewErrorEnvelope("Forbidden", CodeForbidden, detail)
}

// NotFound creates a 404 envelope.
func NotFound(detail string) *ErrorEnvelope {
	return NewErrorEnvelope("Not Found", CodeNotFound, detail)
}

// ValidationFailed creates a 400/422 envelope.
func ValidationFailed(detail string) *ErrorEnvelope {
	return NewErrorEnvelope("Validation Error", CodeValidationError, detail)
}

// Conflict creates a 409 envelope.
func Conflict(detail string) *ErrorEnvelope {
	return NewErrorEnvelope("Conflict", CodeConflict, detail)
}

// InternalServerError creates a 500 envelope.
func InternalServerError(detail string) *ErrorEnvelope {
	return NewErrorEnvelope("Internal Server Error", CodeInternalError, detail)
}

// writeDomainError maps a domain error onto the stable code set and writes
// the envelope. Unknown errors become 500 INTERNAL_ERROR without leaking
// internals.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var idErr *storage.DatasetIDError
	if errors.As(err, &idErr) {
		envelope := ValidationFailed(idErr.Error()).WithDetails(map[string]any{
			"provided":             idErr.Provided,
			"expected_format":      idErr.ExpectedFormat(),
			"corrected_suggestion": storage.CleanDatasetID(idErr.Provided),
			"examples":             idErr.Examples(),
		})
		WriteErrorResponse(w, r, logger, http.StatusBadRequest, envelope)

		return
	}

	var queryErr *query.ValidationError
	if errors.As(err, &queryErr) {
		WriteErrorResponse(w, r, logger, http.StatusBadRequest, ValidationFailed(queryErr.Error()))

		return
	}

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		WriteErrorResponse(w, r, logger, http.StatusUnauthorized, Unauthorized("Invalid or expired credentials"))
	case errors.Is(err, auth.ErrForbidden):
		WriteErrorResponse(w, r, logger, http.StatusForbidden, Forbidden("Insufficient scope for this operation"))
	case errors.Is(err, storage.ErrNotFound):
		WriteErrorResponse(w, r, logger, http.StatusNotFound, NotFound("The requested resource was not found"))
	case storage.IsConstraintError(err):
		WriteErrorResponse(w, r, logger, http.StatusConflict, Conflict("A resource with this identifier already exists"))
	case storage.IsSchemaError(err):
		WriteErrorResponse(w, r, logger, http.StatusBadRequest, ValidationFailed(err.Error()))
	case errors.Is(err, istat.ErrCircuitOpen):
		WriteErrorResponse(w, r, logger, http.StatusServiceUnavailable,
			NewErrorEnvelope("Service Unavailable", CodeCircuitOpen, "Upstream circuit breaker is open"))
	case errors.Is(err, istat.ErrUpstreamUnavailable):
		WriteErrorResponse(w, r, logger, http.StatusServiceUnavailable,
			NewErrorEnvelope("Service Unavailable", CodeUpstreamUnavailable, "Upstream data source is unavailable"))
	case errors.Is(err, istat.ErrDataflowLimit), errors.Is(err, dataflow.ErrTooManyIDs):
		WriteErrorResponse(w, r, logger, http.StatusUnprocessableEntity, ValidationFailed(err.Error()))
	case errors.Is(err, istat.ErrResponseTooLarge):
		WriteErrorResponse(w, r, logger, http.StatusRequestEntityTooLarge, ValidationFailed(err.Error()))
	case errors.Is(err, analytics.ErrAnalyticsUnavailable):
		WriteErrorResponse(w, r, logger, http.StatusServiceUnavailable,
			InternalServerError("Analytics store is temporarily unavailable"))
	default:
		logger.Error("Unhandled domain error",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, logger, http.StatusInternalServerError,
			InternalServerError("An unexpected error occurred while processing the request"))
	}
}
