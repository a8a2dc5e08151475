package notify

// ChannelState is the realtime push-channel lifecycle, one instance per
// active session.
type ChannelState string

const (
	StateIdle         ChannelState = "idle"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateDisconnected ChannelState = "disconnected"
	// StateFailed is the only terminal state, reached solely on explicit
	// teardown.
	StateFailed ChannelState = "failed"
)

// String returns the state value.
func (state ChannelState) String() string {
	return string(state)
}
