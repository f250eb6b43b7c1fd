// Package clock provides time operations that can be mocked for testing.
package clock

import "time"

// Clock provides the time operations the control loop depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard time package.
type Real struct{}

func (Real) Now() time.Time                   { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a test clock that can be manually advanced.
type Fake struct {
	current time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{current: start}
}

func (f *Fake) Now() time.Time                   { return f.current }
func (f *Fake) Since(t time.Time) time.Duration { return f.current.Sub(t) }
func (f *Fake) Advance(d time.Duration)         { f.current = f.current.Add(d) }
func (f *Fake) Set(t time.Time)                 { f.current = t }
