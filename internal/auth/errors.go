package auth

import "errors"

// Sentinel errors for the authentication and authorization surface.
var (
	// ErrUnauthorized covers missing, malformed, expired, or revoked
	// credentials. The HTTP layer maps it to 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the credential is valid but lacks the required scope.
	// The HTTP layer maps it to 403.
	ErrForbidden = errors.New("forbidden")

	// ErrKeyEmpty is returned when an empty API key is hashed or compared.
	ErrKeyEmpty = errors.New("API key cannot be empty")

	// ErrCipherKeySize is returned when the scope encryption key is not
	// 32 bytes after decoding.
	ErrCipherKeySize = errors.New("scope encryption key must be 32 bytes")
)
