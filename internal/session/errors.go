package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument indicates that caller input was rejected synchronously.
	ErrInvalidArgument = errors.New("session: invalid argument")
	// ErrLogic indicates that an operation precondition was not met (for example no local user).
	ErrLogic = errors.New("session: logic error")
	// ErrConflict indicates that a conditional write lost a concurrent race (HTTP 412).
	ErrConflict = errors.New("session: conflict")
	// ErrNotFound indicates that the target session does not exist (HTTP 404).
	ErrNotFound = errors.New("session: not found")
	// ErrDestroyed indicates that the owning component was torn down mid-operation.
	ErrDestroyed = errors.New("session: destroyed")
)

// TransportError describes a failed directory call.
type TransportError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Operation, e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether err is a 404/412 outcome that callers handle internally.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
}
