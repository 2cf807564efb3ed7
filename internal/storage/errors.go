package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors shared across metadata store operations.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoDatabaseConnection is returned when a store is used without a connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")
)

// PostgreSQL error class for uniqueness violations (SQLSTATE 23505).
const pgUniqueViolation = "23505"

type (
	// SchemaError reports an identifier that failed whitelist validation before
	// being interpolated into SQL text. Literal values never produce SchemaError;
	// they always travel through parameter placeholders.
	SchemaError struct {
		Identifier string
	}

	// ConstraintError reports a uniqueness violation on a metadata table.
	ConstraintError struct {
		Table      string
		Constraint string
	}
)

// Error implements the error interface for SchemaError.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("unknown or unsafe identifier: %q", e.Identifier)
}

// Error implements the error interface for ConstraintError.
func (e *ConstraintError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("uniqueness violation on %s (%s)", e.Table, e.Constraint)
	}

	return "uniqueness violation on " + e.Table
}

// classifyError maps low-level database errors to the store's error taxonomy.
// Uniqueness violations become ConstraintError, missing rows become ErrNotFound,
// anything else is wrapped with the operation name.
func classifyError(op, table string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, &ConstraintError{
			Table:      table,
			Constraint: pqErr.Constraint,
		})
	}

	return fmt.Errorf("%s: %w", op, err)
}

// IsConstraintError reports whether err carries a ConstraintError.
func IsConstraintError(err error) bool {
	var ce *ConstraintError

	return errors.As(err, &ce)
}

// IsSchemaError reports whether err carries a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError

	return errors.As(err, &se)
}
