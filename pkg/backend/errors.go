package backend

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of typed failures a backend can return.
// The healing executor pattern-matches on it; only ColumnNotFound is
// eligible for recovery.
type ErrorKind string

const (
	KindColumnNotFound   ErrorKind = "COLUMN_NOT_FOUND"
	KindTableNotFound    ErrorKind = "TABLE_NOT_FOUND"
	KindTypeMismatch     ErrorKind = "TYPE_MISMATCH"
	KindPermissionDenied ErrorKind = "PERMISSION_DENIED"
	KindOther            ErrorKind = "OTHER"
)

// SchemaError is the single error type surfaced by backends for query
// failures. Table/Column/AvailableColumns are populated per kind.
type SchemaError struct {
	Kind             ErrorKind `json:"kind"`
	Table            string    `json:"table,omitempty"`
	Column           string    `json:"column,omitempty"`
	AvailableColumns []string  `json:"available_columns,omitempty"`
	Detail           string    `json:"detail,omitempty"`
}

func (e *SchemaError) Error() string {
	switch e.Kind {
	case KindColumnNotFound:
		return fmt.Sprintf("column %q not found on table %q", e.Column, e.Table)
	case KindTableNotFound:
		return fmt.Sprintf("table %q not found", e.Table)
	case KindTypeMismatch:
		return fmt.Sprintf("type mismatch: %s", e.Detail)
	case KindPermissionDenied:
		return "permission denied by backend"
	default:
		if e.Detail != "" {
			return e.Detail
		}
		return "backend error"
	}
}

// Healable reports whether the error class may be recovered by identifier
// substitution. Everything except a missing column surfaces immediately.
func (e *SchemaError) Healable() bool {
	return e.Kind == KindColumnNotFound
}

// AsSchemaError unwraps err into a SchemaError if one is present.
func AsSchemaError(err error) (*SchemaError, bool) {
	var se *SchemaError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func ColumnNotFound(table, column string, available []string) *SchemaError {
	return &SchemaError{Kind: KindColumnNotFound, Table: table, Column: column, AvailableColumns: available}
}

func TableNotFound(table string) *SchemaError {
	return &SchemaError{Kind: KindTableNotFound, Table: table}
}
