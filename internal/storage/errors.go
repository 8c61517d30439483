package storage

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable matches every error returned by a ThreadStore I/O failure
var ErrStorageUnavailable = errors.New("storage unavailable")

// UnavailableError wraps an underlying database failure
type UnavailableError struct {
	Op    string
	Cause error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Cause)
	}
	return "storage unavailable: " + e.Op
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// Is reports ErrStorageUnavailable so callers can use errors.Is without knowing the cause
func (e *UnavailableError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Cause: err}
}
