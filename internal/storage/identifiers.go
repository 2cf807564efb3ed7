package storage

import (
	"regexp"
	"strings"
)

// safeIdentifierPattern is the whitelist for table and column names interpolated
// into SQL text. Compiled once at package initialization.
//
// The pattern accepts lowercase snake_case names starting with a letter.
// A single schema prefix (e.g., "istat.observations") is tolerated; deeper
// dotted paths are rejected.
var safeIdentifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const maxIdentifierParts = 2

// ValidateIdentifier checks a table or column name against the whitelist pattern.
// Returns a SchemaError when the identifier is unsafe to interpolate.
//
// Only identifiers are ever validated this way; literal values always flow
// through parameter placeholders.
func ValidateIdentifier(name string) error {
	if name == "" {
		return &SchemaError{Identifier: name}
	}

	parts := strings.Split(name, ".")
	if len(parts) > maxIdentifierParts {
		return &SchemaError{Identifier: name}
	}

	for _, part := range parts {
		if !safeIdentifierPattern.MatchString(part) {
			return &SchemaError{Identifier: name}
		}
	}

	return nil
}
