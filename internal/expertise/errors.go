package expertise

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every package that handles records and edges.
var (
	// ErrNotFound marks an id that does not resolve.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed input to a public operation.
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable marks an external service (LLM, NLI, embedder) that
	// could not be reached. Callers degrade rather than propagate it.
	ErrUnavailable = errors.New("external service unavailable")
)

// ValidationError names the offending field or parameter.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError wraps ErrNotFound with the kind and id that failed to resolve.
func NotFoundError(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
