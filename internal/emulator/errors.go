package emulator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a configuration that cannot produce an emulator component.
	ErrInvalidConfig        = errors.New("emulator: invalid config")
	errMissingDatabase      = errors.New("database dependency required")
	errMissingStore         = errors.New("store dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingDispatcher    = errors.New("realtime dispatcher dependency required")
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingDeviceClaim   = errors.New("device token claim must be provided")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
	errUnknownTicketStatus  = errors.New("unknown ticket status")
)

// ServiceError carries an operation.reason code next to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew      = "emulator.store.new"
	opWriteSession  = "emulator.write_session"
	opGetSession    = "emulator.get_session"
	opCreateHandle  = "emulator.create_handle"
	opResolveHandle = "emulator.resolve_handle"
	opCreateTicket  = "emulator.create_ticket"
	opDeleteTicket  = "emulator.delete_ticket"
	opResolveTicket = "emulator.resolve_ticket"
	opRegister      = "emulator.register_device"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
