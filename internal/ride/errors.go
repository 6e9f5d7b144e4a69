package ride

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrActiveSessionExists = errors.New("a session is already active")
	ErrSessionNotActive    = errors.New("session is not active")
)

// ValidationError is returned when an entity is built from out-of-range values.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

// StorageError wraps a repository failure surfaced to pipeline callers.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InvariantError signals internal state that should be impossible.
type InvariantError struct {
	What string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.What
}

// ServiceError is raised at the fix source boundary when location delivery
// stops for a reason other than a signal gap, e.g. a revoked permission.
type ServiceError struct {
	Reason string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err == nil {
		return "location service: " + e.Reason
	}
	return fmt.Sprintf("location service: %s: %v", e.Reason, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it is nil, a sentinel the caller
// is expected to branch on, or already a StorageError.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrActiveSessionExists) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
