// Package middleware provides HTTP middleware components for the Osservatorio API.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/osservatorio-istat/osservatorio/internal/auth"
)

// publicEndpoints defines public endpoints that bypass authentication.
// Only the health probes belong here; everything else, the token endpoint
// included, requires a bearer token.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/health")
//	middleware.RegisterPublicEndpoint("/ready")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// TokenVerifier validates bearer tokens. The auth service satisfies it.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*auth.Claims, error)
}

// extractBearerToken extracts the bearer token from the Authorization header.
// Returns (token, true) if found and valid, ("", false) otherwise.
//
// Security considerations:
// - Rejects tokens containing newlines (header injection prevention)
// - Trims whitespace from tokens
// - Case-sensitive "Bearer " prefix check.
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}

// Authenticate creates an authentication middleware that validates bearer
// tokens and enriches the request context with the caller's Principal.
//
// The middleware:
// - Skips endpoints registered through RegisterPublicEndpoint
// - Extracts tokens from the Authorization: Bearer header
// - Validates signature, expiry, issuer, revocation, and key state
// - Enriches request context with the Principal
// - Returns the standard error envelope on failure.
func Authenticate(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Check if this path bypasses authentication (public endpoints)
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			token, found := extractBearerToken(r)
			if !found {
				writeAuthError(w, r, logger, "Missing bearer token")

				return
			}

			claims, err := verifier.VerifyToken(r.Context(), token)
			if err != nil {
				writeAuthError(w, r, logger, "Invalid or expired token")

				return
			}

			principal := Principal{
				APIKeyID: claims.Subject,
				KeyName:  claims.APIKeyName,
				Scopes:   claims.ScopeList(),
				TokenID:  claims.ID,
				AuthTime: time.Now(),
			}
			ctx := SetPrincipal(r.Context(), principal)

			logger.Info("Bearer token authenticated",
				slog.String("api_key_id", principal.APIKeyID),
				slog.String("key_name", principal.KeyName),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes the standard error envelope for authentication
// failures and logs the failure without sensitive data.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, detail string) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("Authentication failed",
		slog.String("reason", detail),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	w.Header().Set("WWW-Authenticate", "Bearer")

	err := writeEnvelopeError(w, r, http.StatusUnauthorized, "Unauthorized", "UNAUTHORIZED", detail)
	if err != nil {
		logger.Error("Failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("encode_error", err),
		)
	}
}
