package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleState is returned when a row no longer has the expected status
	ErrStaleState = errors.New("record status changed concurrently")
)

// PersistenceError wraps a failure of the underlying store. Callers must not
// treat the operation as having happened.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrStaleState) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
