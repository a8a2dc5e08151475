package notify

import (
	"testing"
	"time"
)

func zeroJitter(time.Duration) time.Duration {
	return 0
}

func TestBackoffDelaysAreNonDecreasingUpToCap(test *testing.T) {
	test.Parallel()

	backoff := NewBackoff(100*time.Millisecond, 2*time.Second, WithJitter(zeroJitter))

	previousDelay := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		delay := backoff.Next()
		if delay < previousDelay {
			test.Fatalf("attempt %d: delay %v shrank below previous %v", attempt, delay, previousDelay)
		}
		if delay > 2*time.Second {
			test.Fatalf("attempt %d: delay %v exceeds cap", attempt, delay)
		}
		previousDelay = delay
	}
	if previousDelay != 2*time.Second {
		test.Fatalf("expected schedule to settle at the cap, got %v", previousDelay)
	}
}

func TestBackoffResetRestartsSchedule(test *testing.T) {
	test.Parallel()

	backoff := NewBackoff(100*time.Millisecond, 2*time.Second, WithJitter(zeroJitter))

	firstDelay := backoff.Next()
	for attempt := 0; attempt < 5; attempt++ {
		backoff.Next()
	}
	backoff.Reset()
	if delay := backoff.Next(); delay != firstDelay {
		test.Fatalf("expected %v after reset, got %v", firstDelay, delay)
	}
}

func TestBackoffJitterIsAdditive(test *testing.T) {
	test.Parallel()

	const jitterAmount = 7 * time.Millisecond
	backoff := NewBackoff(100*time.Millisecond, 2*time.Second, WithJitter(func(time.Duration) time.Duration {
		return jitterAmount
	}))

	if delay := backoff.Next(); delay != 100*time.Millisecond+jitterAmount {
		test.Fatalf("expected %v, got %v", 100*time.Millisecond+jitterAmount, delay)
	}
	if delay := backoff.Next(); delay != 200*time.Millisecond+jitterAmount {
		test.Fatalf("expected %v, got %v", 200*time.Millisecond+jitterAmount, delay)
	}
}
