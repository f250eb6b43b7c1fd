// Package scpi provides the closed set of instrument commands the
// discharge test needs and the transports that carry them.
package scpi

import (
	"fmt"
	"strings"
)

// Command is a single validated instruction for the electronic load.
// Commands are built through the constructors below; there is no way to
// send a free-form string through a Channel.
type Command struct {
	text  string
	query bool
}

// Text returns the wire representation without line termination.
func (c Command) Text() string { return c.text }

// IsQuery reports whether the instrument is expected to reply.
func (c Command) IsQuery() bool { return c.query }

func (c Command) String() string { return c.text }

// Range selects the instrument current range.
type Range string

const (
	RangeLow  Range = "LOW"
	RangeHigh Range = "HIGH"
)

// ParseRange maps a config string to a Range.
func ParseRange(s string) (Range, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return RangeLow, nil
	case "HIGH":
		return RangeHigh, nil
	default:
		return "", fmt.Errorf("unknown current range %q", s)
	}
}

func Identify() Command    { return Command{text: "*IDN?", query: true} }
func ClearStatus() Command { return Command{text: "*CLS"} }
func Reset() Command       { return Command{text: "*RST"} }

func InputOn() Command  { return Command{text: ":SOUR:INP ON"} }
func InputOff() Command { return Command{text: ":SOUR:INP OFF"} }

func FunctionCurrent() Command { return Command{text: ":SOUR:FUNC CURR"} }
func ModeBattery() Command     { return Command{text: ":SOUR:FUNC:MODE BATT"} }
func ModeFixed() Command       { return Command{text: ":SOUR:FUNC:MODE FIX"} }

func CurrentRange(r Range) Command {
	return Command{text: fmt.Sprintf(":SOUR:CURR:RANG %s", r)}
}

// SetCurrent builds the current setpoint command. Negative setpoints
// are clamped to zero: the load only sinks current.
func SetCurrent(amps float64) Command {
	if amps < 0 {
		amps = 0
	}
	return Command{text: fmt.Sprintf(":SOUR:CURR:LEV %.3f", amps)}
}

func QuerySetpoint() Command { return Command{text: ":SOUR:CURR:LEV?", query: true} }

func MeasureVoltage() Command { return Command{text: ":MEAS:VOLT?", query: true} }
func MeasureCurrent() Command { return Command{text: ":MEAS:CURR?", query: true} }
func MeasurePower() Command   { return Command{text: ":MEAS:POW?", query: true} }

// VoltageLimit sets the battery-mode cutoff voltage on device families
// that implement :SOUR:VOLT:LIM.
func VoltageLimit(volts float64) Command {
	return Command{text: fmt.Sprintf(":SOUR:VOLT:LIM %.3f", volts)}
}

// VoltageProtectLow sets the undervoltage protection threshold on
// device families that implement :VOLT:PROT:LOW.
func VoltageProtectLow(volts float64) Command {
	return Command{text: fmt.Sprintf(":VOLT:PROT:LOW %.3f", volts)}
}

func VoltageProtectState(on bool) Command {
	if on {
		return Command{text: ":VOLT:PROT:STAT ON"}
	}
	return Command{text: ":VOLT:PROT:STAT OFF"}
}
