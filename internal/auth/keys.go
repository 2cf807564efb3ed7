package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// KeyNamespace prefixes every issued key so leaked credentials are
	// identifiable in logs and secret scanners.
	KeyNamespace = "osv_"

	// keySuffixBytes is the entropy of the random key body.
	keySuffixBytes = 32

	// prefixLength is how many characters of the full key form the lookup
	// bucket stored alongside the hash.
	prefixLength = 12
)

// GenerateKey creates a new plaintext API key: the fixed namespace plus a
// 32-byte URL-safe random suffix. The plaintext exists only in the issuance
// response; storage sees the bcrypt hash and the lookup prefix.
func GenerateKey() (string, error) {
	suffix := make([]byte, keySuffixBytes)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}

	return KeyNamespace + base64.RawURLEncoding.EncodeToString(suffix), nil
}

// KeyPrefix derives the lookup bucket from a plaintext key.
func KeyPrefix(apiKey string) string {
	if len(apiKey) < prefixLength {
		return apiKey
	}

	return apiKey[:prefixLength]
}

// HasKeyNamespace reports whether the presented credential carries the
// issued-key namespace. Bearer tokens without it are treated as JWTs.
func HasKeyNamespace(credential string) bool {
	return strings.HasPrefix(credential, KeyNamespace)
}

// MaskKey renders a key safe for logging: namespace and first few characters
// kept, the rest elided.
func MaskKey(apiKey string) string {
	if len(apiKey) <= prefixLength {
		return "***"
	}

	return apiKey[:prefixLength] + "..."
}
