package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on a missing id.
	ErrNotFound = errors.New("action not found")
	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("action version conflict")
)

// ValidationError rejects a malformed schedule request before it is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps store failures (database unavailable, I/O, bad rows).
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// TransientProviderError marks a judgment/effector call that failed or timed out.
// It is always a non-terminal outcome.
type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}
func (e *TransientProviderError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}
