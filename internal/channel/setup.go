package channel

import (
	"context"

	"dischargectl/internal/logger"
	"dischargectl/internal/scpi"
)

// Protection selects which hardware voltage-protection command family
// to program, if any. The two SCPI variants are firmware-dependent and
// not reconcilable from documentation, so the choice is configuration.
type Protection string

const (
	ProtectionOff     Protection = "off"
	ProtectionLimit   Protection = "limit"   // :SOUR:VOLT:LIM
	ProtectionProtLow Protection = "protlow" // :VOLT:PROT:LOW + :VOLT:PROT:STAT
)

// SetupConfig describes the instrument session the test needs.
type SetupConfig struct {
	Range         scpi.Range
	Protection    Protection
	CutoffVoltage float64
}

// Setup puts the load into battery discharge configuration: output
// off, errors cleared, constant-current function, battery mode, range
// selected, setpoint zeroed, optional hardware protection programmed.
// A failure here means the instrument cannot be trusted to start a
// run.
func (c *Channel) Setup(ctx context.Context, sc SetupConfig) error {
	if err := c.Write(ctx, scpi.InputOff()); err != nil {
		return c.errFactory.Wrap(ErrSetupFailed, err)
	}

	if err := c.Write(ctx, scpi.ClearStatus()); err != nil {
		return c.errFactory.Wrap(ErrSetupFailed, err)
	}

	if err := c.Write(ctx, scpi.FunctionCurrent()); err != nil {
		return c.errFactory.Wrap(ErrSetupFailed, err)
	}

	// Some firmwares reject battery mode until the CC function is
	// active; retry once behind a fresh function select, then continue
	// in fixed mode if the device simply does not have it.
	if err := c.Write(ctx, scpi.ModeBattery()); err != nil {
		logger.Warn().Err(err).Msg("battery mode rejected, retrying after function select")
		if err := c.Write(ctx, scpi.FunctionCurrent()); err != nil {
			return c.errFactory.Wrap(ErrSetupFailed, err)
		}
		if err := c.Write(ctx, scpi.ModeBattery()); err != nil {
			logger.Warn().Err(err).Msg("battery mode unavailable, continuing in fixed mode")
		}
	}

	if err := c.Write(ctx, scpi.CurrentRange(sc.Range)); err != nil {
		return c.errFactory.Wrap(ErrSetupFailed, err)
	}

	if err := c.SetCurrentVerified(ctx, 0); err != nil {
		return c.errFactory.Wrap(ErrSetupFailed, err)
	}

	switch sc.Protection {
	case ProtectionLimit:
		if err := c.Write(ctx, scpi.VoltageLimit(sc.CutoffVoltage)); err != nil {
			return c.errFactory.Wrap(ErrSetupFailed, err)
		}
	case ProtectionProtLow:
		if err := c.Write(ctx, scpi.VoltageProtectLow(sc.CutoffVoltage)); err != nil {
			return c.errFactory.Wrap(ErrSetupFailed, err)
		}
		if err := c.Write(ctx, scpi.VoltageProtectState(true)); err != nil {
			return c.errFactory.Wrap(ErrSetupFailed, err)
		}
	case ProtectionOff, "":
		// Software cutoff monitoring only.
	}

	logger.Info().
		Str("range", string(sc.Range)).
		Str("protection", string(sc.Protection)).
		Msg("instrument configured for battery discharge")

	return nil
}
