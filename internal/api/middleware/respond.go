// Package middleware provides HTTP middleware components for the Osservatorio API.
package middleware

import (
	"encoding/json"
	"net/http"
	"time"
)

// errorEnvelope is the error payload shape shared by every endpoint. It is
// duplicated here (the api package defines the canonical constructors) so the
// middleware layer can answer without importing api.
type errorEnvelope struct {
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type"`
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance"`
	Timestamp string `json:"timestamp"`
}

// writeEnvelopeError writes the standard error envelope without importing the
// api package.
func writeEnvelopeError(w http.ResponseWriter, r *http.Request, status int, errorType, errorCode, detail string) error {
	envelope := errorEnvelope{
		Success:   false,
		ErrorType: errorType,
		ErrorCode: errorCode,
		Detail:    detail,
		Instance:  r.URL.Path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(envelope)
}
