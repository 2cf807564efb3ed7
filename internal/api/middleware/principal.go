// Package middleware provides HTTP middleware components for the Osservatorio API.
package middleware

import (
	"context"
	"time"
)

// principalKey is the context key for authenticated caller information.
// Using a struct type ensures type safety and prevents collisions with other context keys.
type principalKey struct{}

// Principal contains authenticated caller information enriched in the request
// context by the authentication middleware after successful token validation.
type Principal struct {
	// APIKeyID is the identifier of the API key the token was minted for.
	APIKeyID string

	// KeyName is the human-readable key name for logging and audit entries.
	KeyName string

	// Scopes are the authorization scopes granted to this caller.
	Scopes []string

	// TokenID is the jti of the presented token.
	TokenID string

	// AuthTime is the timestamp when authentication occurred.
	AuthTime time.Time
}

// HasScope reports whether the principal holds the required scope.
// The admin scope implies every other scope.
func (p Principal) HasScope(required string) bool {
	for _, s := range p.Scopes {
		if s == "admin" || s == required {
			return true
		}
	}

	return false
}

// GetPrincipal extracts the authenticated principal from the request context.
// Returns (principal, true) if authenticated, (empty, false) if not found.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)

	return principal, ok
}

// SetPrincipal adds the authenticated principal to the request context.
func SetPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}
