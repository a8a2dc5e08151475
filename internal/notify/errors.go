package notify

import (
	"errors"
	"fmt"
)

// ErrChannel marks a push-channel failure. It drives reconnect-with-backoff
// internally and never surfaces as a hard failure beyond the connection
// state.
var ErrChannel = errors.New("push channel failure")

// ChannelError wraps a channel-level cause.
type ChannelError struct {
	Cause error
}

// Error returns the formatted error message.
func (channelError *ChannelError) Error() string {
	return fmt.Sprintf("push channel failure: %v", channelError.Cause)
}

// Unwrap links the error to ErrChannel for errors.Is matching.
func (channelError *ChannelError) Unwrap() error {
	return ErrChannel
}
