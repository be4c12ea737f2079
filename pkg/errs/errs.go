// Package errs defines the error taxonomy shared by every fleet subsystem.
// Subsystems wrap these sentinels with fmt.Errorf("...: %w", ...) and the API
// layer maps them to HTTP status codes.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown id, stream, or consumer.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on state conflicts, duplicate keys, and
	// locks or reservations that are already held.
	ErrConflict = errors.New("conflict")

	// ErrPreconditionFailed is returned when a checkpoint was already
	// consumed or a cursor would move backwards.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrTimeout is returned when an acquisition or poll deadline expires.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidInput is returned on schema or validation failure.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized is returned when authentication is enabled and missing.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the caller lacks permission.
	ErrForbidden = errors.New("forbidden")

	// ErrStorageUnavailable is returned on retryable I/O failures of the
	// persistence adapter.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCancelled is returned when the caller cancelled the operation.
	ErrCancelled = errors.New("cancelled")

	// ErrNotHolder is returned when a release is attempted by someone other
	// than the holder without the admin flag. It is a Conflict for HTTP
	// mapping purposes.
	ErrNotHolder = fmt.Errorf("%w: not the holder", ErrConflict)

	// ErrCursorRegression is returned when a cursor advance would move the
	// position backwards. Caller bug; maps to PreconditionFailed.
	ErrCursorRegression = fmt.Errorf("%w: cursor regression", ErrPreconditionFailed)

	// ErrStateConflict is returned to the loser of concurrent state
	// transition attempts on the same row.
	ErrStateConflict = fmt.Errorf("%w: concurrent state transition", ErrConflict)
)

// ValidationError carries field-level detail for invalid input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap makes every ValidationError match ErrInvalidInput.
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError creates a field-level validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// Invalidf wraps ErrInvalidInput with a formatted message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}

// InvalidField creates a field-level validation error with a formatted
// message.
func InvalidField(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether the error is transient and safe to retry
// internally (storage hiccups and timeouts, per the recovery policy).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrTimeout)
}
