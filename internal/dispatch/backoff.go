package dispatch

import "time"

// RetrySchedule decides how long to wait before the next delivery attempt.
// Injected so per-template or per-channel strategies can be added without
// touching the outcome handler.
type RetrySchedule interface {
	// NextDelay returns the backoff for a record that has already made
	// attempts delivery attempts (i.e. the delay before attempt N+1).
	NextDelay(attempts int) time.Duration
}

// FixedSchedule is a retry schedule indexed by attempt count and capped at
// its last entry.
type FixedSchedule []time.Duration

// NextDelay implements RetrySchedule.
func (s FixedSchedule) NextDelay(attempts int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(s) {
		attempts = len(s) - 1
	}
	return s[attempts]
}

// DefaultRetrySchedule returns the stock backoff ladder.
func DefaultRetrySchedule() FixedSchedule {
	return FixedSchedule{
		5 * time.Minute,
		30 * time.Minute,
		2 * time.Hour,
		6 * time.Hour,
	}
}
