// Package safety implements the debounced voltage-cutoff monitor that
// decides when a discharge run must stop.
package safety

import (
	"time"

	"dischargectl/internal/channel"
	"dischargectl/internal/clock"
	"dischargectl/internal/logger"
)

// State is the monitor's cutoff state.
type State int

const (
	StateOK State = iota
	StateBelowPending
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateBelowPending:
		return "below_pending"
	case StateTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// Config holds the cutoff parameters for one run.
type Config struct {
	CutoffVoltage float64
	Buffer        time.Duration // continuous time below cutoff before tripping
	StaleAfter    time.Duration // measurement age beyond which cutoff is suppressed
}

// Monitor tracks consecutive below-cutoff readings. Tripped is
// terminal; a new run gets a new Monitor. Not safe for concurrent use:
// only the orchestrator loop evaluates it.
type Monitor struct {
	cfg        Config
	clk        clock.Clock
	state      State
	belowSince time.Time
}

// New builds a monitor in the OK state.
func New(cfg Config, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Monitor{cfg: cfg, clk: clk}
}

// State returns the current cutoff state.
func (m *Monitor) State() State { return m.state }

// Tripped reports whether the monitor has reached its terminal state.
func (m *Monitor) Tripped() bool { return m.state == StateTripped }

// Evaluate consumes one measurement and advances the state machine.
//
// Stale or non-fresh readings are ignored for cutoff purposes and
// cancel any pending countdown: a countdown started on fresh data must
// never be completed, and never be started, by data the instrument may
// have produced ten seconds ago.
func (m *Monitor) Evaluate(meas channel.Measurement) State {
	if m.state == StateTripped {
		return m.state
	}

	now := m.clk.Now()

	if !meas.Fresh || meas.Age(now) > m.cfg.StaleAfter {
		if m.state == StateBelowPending {
			logger.Warn().
				Dur("age", meas.Age(now)).
				Msg("stale measurement, cancelling cutoff countdown")
			m.belowSince = time.Time{}
			m.state = StateOK
		}
		return m.state
	}

	if meas.Voltage <= m.cfg.CutoffVoltage {
		switch m.state {
		case StateOK:
			m.state = StateBelowPending
			m.belowSince = now
			logger.Warn().
				Float64("voltage", meas.Voltage).
				Float64("cutoff", m.cfg.CutoffVoltage).
				Dur("buffer", m.cfg.Buffer).
				Msg("voltage below cutoff, countdown started")
		case StateBelowPending:
			below := now.Sub(m.belowSince)
			if below >= m.cfg.Buffer {
				m.state = StateTripped
				logger.Error().
					Float64("voltage", meas.Voltage).
					Float64("cutoff", m.cfg.CutoffVoltage).
					Dur("time_below", below).
					Msg("voltage cutoff tripped")
			}
		}
		return m.state
	}

	if m.state == StateBelowPending {
		logger.Info().
			Float64("voltage", meas.Voltage).
			Float64("cutoff", m.cfg.CutoffVoltage).
			Msg("voltage recovered above cutoff")
	}
	m.state = StateOK
	m.belowSince = time.Time{}

	return m.state
}
