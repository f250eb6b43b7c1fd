package channel

import "time"

// Measurement is one voltage/current reading. Fresh is false when the
// value is a cached fallback that has aged past the staleness
// threshold; safety decisions must ignore such readings.
type Measurement struct {
	Voltage    float64
	Current    float64
	CapturedAt time.Time
	Fresh      bool
}

// Age returns how old the reading is at the given instant.
func (m Measurement) Age(now time.Time) time.Duration {
	if m.CapturedAt.IsZero() {
		return 0
	}
	return now.Sub(m.CapturedAt)
}
