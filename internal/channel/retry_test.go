package channel_test

import (
	"testing"
	"time"

	"dischargectl/internal/channel"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := channel.RetryPolicy{
		MaxAttempts: 4,
		Backoff:     []time.Duration{time.Second, 2 * time.Second},
	}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	// Past the table the last entry repeats.
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 2*time.Second, p.Delay(9))
}

func TestRetryPolicyDelayEmpty(t *testing.T) {
	p := channel.RetryPolicy{MaxAttempts: 2}
	assert.Zero(t, p.Delay(1))
}

func TestDefaultPolicies(t *testing.T) {
	w := channel.DefaultWritePolicy()
	assert.Equal(t, 3, w.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, w.Delay(1))

	s := channel.DefaultSetpointPolicy()
	assert.Equal(t, 5, s.MaxAttempts)
	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 2*time.Second, s.Delay(2))
}

func TestMeasurementAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	m := channel.Measurement{CapturedAt: now.Add(-3 * time.Second)}
	assert.Equal(t, 3*time.Second, m.Age(now))

	// A zero-valued capture time means no measurement yet.
	assert.Zero(t, channel.Measurement{}.Age(now))
}
