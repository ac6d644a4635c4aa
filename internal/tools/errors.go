package tools

import (
	"errors"
	"fmt"
)

// ValidationError marks an invocation that was rejected before any side
// effect: a malformed argument, a path outside the workspace, a commit
// message that does not follow the required format.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a ValidationError with the given message.
func NewValidationError(message string) error {
	return &ValidationError{Message: message}
}

// WrapValidationError turns err into a ValidationError while keeping it
// reachable through errors.Is and errors.As.
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	if IsValidationError(err) {
		return err
	}
	return &ValidationError{Message: err.Error(), Err: err}
}

// Validationf formats a ValidationError.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
