package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks client input that failed a schema or shape check.
	ErrValidation = errors.New("validation error")
	// ErrUnknownChannel marks a channel kind with no registered plugin.
	ErrUnknownChannel = errors.New("unknown channel kind")
	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an operation rejected because of record state.
	ErrConflict = errors.New("conflict")
	// ErrStorage marks an unavailable or failing persistence layer.
	ErrStorage = errors.New("storage unavailable")
)

// FieldError describes one invalid settings field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError aggregates field-level failures from a plugin schema check.
// It unwraps to ErrValidation so callers can classify it with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}

	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return fmt.Sprintf("invalid settings: %s", strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Add appends a field failure and returns the receiver for chaining.
func (e *ValidationError) Add(field, reason string) *ValidationError {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
	return e
}

// Empty reports whether no field failed.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}
