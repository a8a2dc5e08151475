package notify

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
)

// Backoff produces bounded exponential reconnect delays. The base component
// doubles per attempt up to the cap; jitter is strictly additive so the base
// delay stays non-decreasing, which keeps a fleet of dropped clients from
// reconnecting in lockstep.
type Backoff struct {
	base     time.Duration
	cap      time.Duration
	attempt  int
	jitterFn func(base time.Duration) time.Duration
}

// BackoffOption configures a Backoff instance.
type BackoffOption func(*Backoff)

// WithJitter overrides jitter generation. A function returning zero disables
// jitter entirely.
func WithJitter(jitterFn func(base time.Duration) time.Duration) BackoffOption {
	return func(backoff *Backoff) {
		backoff.jitterFn = jitterFn
	}
}

// NewBackoff wires a Backoff with the given base delay and cap.
func NewBackoff(base time.Duration, cap time.Duration, options ...BackoffOption) *Backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap < base {
		cap = defaultBackoffCap
	}
	backoff := &Backoff{
		base: base,
		cap:  cap,
		jitterFn: func(base time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(base)))
		},
	}
	for _, option := range options {
		if option != nil {
			option(backoff)
		}
	}
	return backoff
}

// Next returns the delay before the next reconnect attempt.
func (backoff *Backoff) Next() time.Duration {
	delay := backoff.base << backoff.attempt
	if delay > backoff.cap || delay <= 0 {
		delay = backoff.cap
	} else {
		backoff.attempt++
	}
	return delay + backoff.jitterFn(backoff.base)
}

// Reset restarts the schedule after a successful connection.
func (backoff *Backoff) Reset() {
	backoff.attempt = 0
}
