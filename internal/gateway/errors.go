package gateway

import (
	"errors"
	"fmt"
)

// Error values surfaced by the gateway. Callers match with errors.Is and
// recover the structured form with errors.As.
var (
	ErrRequestRejected = errors.New("request rejected")
	ErrTransport       = errors.New("transport failure")
)

const genericRejectionMessage = "Request failed"

// RequestError carries a server rejection: the HTTP status and the
// server-supplied detail message, surfaced verbatim to the user.
type RequestError struct {
	Status  int
	Message string
}

// Error returns the formatted error message.
func (requestError *RequestError) Error() string {
	return fmt.Sprintf("request rejected (%d): %s", requestError.Status, requestError.Message)
}

// Unwrap links the error to ErrRequestRejected for errors.Is matching.
func (requestError *RequestError) Unwrap() error {
	return ErrRequestRejected
}

// TransportError marks a request that produced no server response. It is
// eligible for user-initiated retry; nothing in the client retries it
// automatically.
type TransportError struct {
	Cause error
}

// Error returns the formatted error message.
func (transportError *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", transportError.Cause)
}

// Unwrap links the error to ErrTransport for errors.Is matching.
func (transportError *TransportError) Unwrap() error {
	return ErrTransport
}
