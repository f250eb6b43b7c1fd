package channel

import "time"

// RetryPolicy bounds how often a failed exchange is reattempted and how
// long to back off between attempts. The backoff schedule is indexed by
// completed attempts; the last entry repeats if attempts outnumber
// entries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// Delay returns the backoff to apply after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt > len(p.Backoff) {
		attempt = len(p.Backoff)
	}
	if attempt < 1 {
		attempt = 1
	}

	return p.Backoff[attempt-1]
}

// DefaultWritePolicy matches the cadence a slow serial/VISA link
// tolerates: three tries with growing gaps.
func DefaultWritePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{500 * time.Millisecond, time.Second, 1500 * time.Millisecond},
	}
}

// DefaultSetpointPolicy allows more attempts than a plain write; a
// silently dropped setpoint is the failure mode the test cannot absorb.
func DefaultSetpointPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: []time.Duration{
			time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second,
		},
	}
}
