package orchestration

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("flow operation validation failed")

	// ErrFlowBusy is returned when another operation holds the flow's busy marker.
	ErrFlowBusy = errors.New("flow is being modified by another operation")

	// ErrOperationFailed matches every *OperationError.
	ErrOperationFailed = errors.New("flow operation failed")

	// ErrOperationInProgress is returned by Service.Submit when an instance
	// for the same flow is still running in this process.
	ErrOperationInProgress = errors.New("operation already running for flow")

	// ErrUnknownRequestKind is returned for a request kind with no handler.
	ErrUnknownRequestKind = errors.New("unknown request kind")
)

// ErrorType classifies a rejected request.
type ErrorType string

const (
	ErrorTypeRequestInvalid ErrorType = "REQUEST_INVALID"
	ErrorTypeDataInvalid    ErrorType = "DATA_INVALID"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND"
	ErrorTypeAlreadyExists  ErrorType = "ALREADY_EXISTS"
)

// ValidationError rejects a request before anything is changed.
type ValidationError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error of the given type.
func NewValidationError(errorType ErrorType, format string, args ...any) *ValidationError {
	return &ValidationError{Type: errorType, Message: fmt.Sprintf(format, args...)}
}

// AsValidationError converts err into a *ValidationError. Errors that are not
// already validation errors become ErrorTypeDataInvalid.
func AsValidationError(err error) *ValidationError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return &ValidationError{Type: ErrorTypeDataInvalid, Message: err.Error(), Err: err}
}

// OperationError reports commands that permanently failed.
type OperationError struct {
	FailedCommands   int
	FailedCommandIDs []string
	Message          string
}

func (e *OperationError) Error() string {
	return e.Message
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

// NewOperationError reports the given commands as permanently failed.
func NewOperationError(commandIDs []string) *OperationError {
	return &OperationError{
		FailedCommands:   len(commandIDs),
		FailedCommandIDs: commandIDs,
		Message:          fmt.Sprintf("Received error response(s) for %d commands", len(commandIDs)),
	}
}
