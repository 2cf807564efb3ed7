package query

import "fmt"

// ValidationError reports a query construction problem: an unsafe identifier,
// an unknown operator, or a malformed operand. Builders never emit invalid
// SQL to the store; the error is returned at build time instead.
type ValidationError struct {
	Field  string
	Detail string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid query: %s: %s", e.Field, e.Detail)
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}
