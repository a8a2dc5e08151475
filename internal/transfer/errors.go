package transfer

import (
	"errors"
	"fmt"
)

// ErrValidation marks a client-detected failure raised before any network
// call. It is never retried automatically.
var ErrValidation = errors.New("validation failed")

// ValidationError reports which input rule rejected the submission.
type ValidationError struct {
	Reason string
}

// Error returns the formatted error message.
func (validationError *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", validationError.Reason)
}

// Unwrap links the error to ErrValidation for errors.Is matching.
func (validationError *ValidationError) Unwrap() error {
	return ErrValidation
}
