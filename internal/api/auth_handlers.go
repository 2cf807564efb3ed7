// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// createTokenRequest is the POST /auth/token payload: a new API key plus a
// freshly minted bearer token for it.
type createTokenRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	RateLimit int        `json:"rate_limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createTokenResponse struct {
	APIKey      string          `json:"api_key"`
	Key         *storage.APIKey `json:"key"`
	AccessToken string          `json:"access_token"`
	TokenType   string          `json:"token_type"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Scopes      []string        `json:"scopes"`
}

// handleCreateToken issues a new API key and mints a token for it. The
// plaintext key appears in this response and never again.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeAdmin); !ok {
		return
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, http.StatusUnsupportedMediaType,
			ValidationFailed("Content-Type must be application/json"))

		return
	}

	var req createTokenRequest

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			ValidationFailed("Malformed JSON body: "+err.Error()))

		return
	}

	if req.Name == "" {
		WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
			ValidationFailed("name is required"))

		return
	}

	if err := storage.ValidateScopes(req.Scopes); err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
			ValidationFailed(err.Error()))

		return
	}

	issued, err := s.deps.Auth.IssueKey(r.Context(), req.Name, req.Scopes, req.RateLimit, req.ExpiresAt)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	token, err := s.deps.Auth.MintToken(issued.Key)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, createTokenResponse{
		APIKey:      issued.APIKey,
		Key:         issued.Key,
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   token.ExpiresAt,
		Scopes:      token.Scopes,
	})
}

// handleListKeys lists issued keys. Hashes never serialize; the plaintext
// key is gone the moment issuance returned.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeAdmin); !ok {
		return
	}

	keys, err := s.deps.Keys.List(r.Context())
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, listEnvelope{
		Success: true,
		Data:    keys,
	})
}
