// Package channel serializes all communication with one instrument
// connection: minimum inter-command spacing, bounded retries, setpoint
// verification and a measurement cache that keeps the control loop
// progressing while the link degrades.
package channel

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"dischargectl/internal/clock"
	"dischargectl/internal/errors"
	"dischargectl/internal/logger"
	"dischargectl/internal/scpi"

	"golang.org/x/time/rate"
)

const (
	// Physical sanity bounds for a single cell on this load. Readings
	// outside are discarded as line noise or framing corruption.
	sanityMin = 0.0
	sanityMax = 50.0

	measureAttempts = 2
	measureBackoff  = 500 * time.Millisecond

	setpointTolFloor = 0.01
	setpointTolFrac  = 0.01
)

// Config tunes one channel. Zero-value fields fall back to the
// defaults the reference hardware needs.
type Config struct {
	CommandInterval time.Duration // minimum spacing between control commands
	MeasureInterval time.Duration // minimum spacing between measurement polls
	StaleAfter      time.Duration // cache age beyond which readings are not fresh
	WritePolicy     RetryPolicy
	SetpointPolicy  RetryPolicy

	// Clock and Sleep are injectable for tests; nil means real time.
	Clock clock.Clock
	Sleep func(time.Duration)
}

func (c Config) withDefaults() Config {
	if c.CommandInterval <= 0 {
		c.CommandInterval = 300 * time.Millisecond
	}
	if c.MeasureInterval <= 0 {
		c.MeasureInterval = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.WritePolicy.MaxAttempts <= 0 {
		c.WritePolicy = DefaultWritePolicy()
	}
	if c.SetpointPolicy.MaxAttempts <= 0 {
		c.SetpointPolicy = DefaultSetpointPolicy()
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	return c
}

// Channel is the single owner of one instrument transport. All
// commands from all goroutines funnel through its lock, so at most one
// exchange is in flight and the spacing gate sees every command.
type Channel struct {
	mu   sync.Mutex // serializes transport access and the spacing gate
	tr   scpi.Transport
	gate *rate.Limiter // control-command spacing
	poll *rate.Limiter // measurement-poll spacing

	cfg   Config
	clk   clock.Clock
	sleep func(time.Duration)

	cacheMu sync.RWMutex
	cache   Measurement

	errFactory errors.Factory
}

// New wraps an open transport in a Channel.
func New(tr scpi.Transport, cfg Config) *Channel {
	cfg = cfg.withDefaults()

	return &Channel{
		tr:         tr,
		gate:       rate.NewLimiter(rate.Every(cfg.CommandInterval), 1),
		poll:       rate.NewLimiter(rate.Every(cfg.MeasureInterval), 1),
		cfg:        cfg,
		clk:        cfg.Clock,
		sleep:      cfg.Sleep,
		errFactory: errors.New(),
	}
}

// Close releases the underlying transport.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr.Close()
}

// sendOnce performs one spaced, serialized write attempt.
func (c *Channel) sendOnce(ctx context.Context, cmd scpi.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.gate.Wait(ctx); err != nil {
		return c.errFactory.Wrap(ErrWriteFailed, err)
	}

	return c.tr.Send(cmd)
}

// askOnce performs one spaced, serialized query attempt.
func (c *Channel) askOnce(ctx context.Context, cmd scpi.Command) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.gate.Wait(ctx); err != nil {
		return "", c.errFactory.Wrap(ErrQueryFailed, err)
	}

	return c.tr.Ask(cmd)
}

// Write sends a command with no expected reply, retrying transport
// failures up to the write policy's budget.
func (c *Channel) Write(ctx context.Context, cmd scpi.Command) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.WritePolicy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return c.errFactory.Wrap(ErrWriteFailed, err)
		}

		lastErr = c.sendOnce(ctx, cmd)
		if lastErr == nil {
			return nil
		}

		logger.Debug().
			Str("command", cmd.Text()).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.WritePolicy.MaxAttempts).
			Err(lastErr).
			Msg("write retry")

		if attempt < c.cfg.WritePolicy.MaxAttempts {
			c.sleep(c.cfg.WritePolicy.Delay(attempt))
		}
	}

	return c.errFactory.Wrap(ErrWriteFailed, lastErr).WithData(cmd.Text())
}

// Query sends a query and returns the reply. A malformed or empty
// reply counts as a failed attempt, same as a transport error.
func (c *Channel) Query(ctx context.Context, cmd scpi.Command) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.WritePolicy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", c.errFactory.Wrap(ErrQueryFailed, err)
		}

		var reply string
		reply, lastErr = c.askOnce(ctx, cmd)
		if lastErr == nil && reply == "" {
			lastErr = c.errFactory.WithData(scpi.ErrMalformedReply, cmd.Text())
		}
		if lastErr == nil {
			return reply, nil
		}

		logger.Debug().
			Str("command", cmd.Text()).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("query retry")

		if attempt < c.cfg.WritePolicy.MaxAttempts {
			c.sleep(c.cfg.WritePolicy.Delay(attempt))
		}
	}

	return "", c.errFactory.Wrap(ErrQueryFailed, lastErr).WithData(cmd.Text())
}

// QueryFloat sends a query and parses the reply as a float. An
// unparsable reply consumes an attempt like any other failure.
func (c *Channel) QueryFloat(ctx context.Context, cmd scpi.Command) (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.WritePolicy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, c.errFactory.Wrap(ErrQueryFailed, err)
		}

		reply, err := c.askOnce(ctx, cmd)
		if err == nil {
			value, perr := strconv.ParseFloat(reply, 64)
			if perr == nil {
				return value, nil
			}
			err = c.errFactory.Wrap(scpi.ErrMalformedReply, perr).WithData(reply)
		}
		lastErr = err

		logger.Debug().
			Str("command", cmd.Text()).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("query retry")

		if attempt < c.cfg.WritePolicy.MaxAttempts {
			c.sleep(c.cfg.WritePolicy.Delay(attempt))
		}
	}

	return 0, c.errFactory.Wrap(ErrQueryFailed, lastErr).WithData(cmd.Text())
}

// Identify confirms connectivity and returns the instrument ID string.
func (c *Channel) Identify(ctx context.Context) (string, error) {
	return c.Query(ctx, scpi.Identify())
}

// EnableOutput turns the load input on.
func (c *Channel) EnableOutput(ctx context.Context) error {
	return c.Write(ctx, scpi.InputOn())
}

// DisableOutput turns the load input off through the normal retry path.
func (c *Channel) DisableOutput(ctx context.Context) error {
	return c.Write(ctx, scpi.InputOff())
}

// DisableOutputBestEffort issues a single output-off attempt. Used on
// shutdown and emergency paths where blocking on the retry budget would
// delay making the hardware safe.
func (c *Channel) DisableOutputBestEffort(ctx context.Context) error {
	return c.sendOnce(ctx, scpi.InputOff())
}

// SetCurrentVerified writes the current setpoint and reads it back,
// accepting the result within max(0.01 A, 1 %) of the request. A
// readback that fails to arrive or parse is treated as a soft failure:
// the write itself succeeded, so the setpoint is assumed applied rather
// than aborting an hours-long test over a flaky status read.
func (c *Channel) SetCurrentVerified(ctx context.Context, amps float64) error {
	tolerance := math.Max(setpointTolFloor, math.Abs(amps)*setpointTolFrac)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.SetpointPolicy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return c.errFactory.Wrap(ErrWriteFailed, err)
		}

		if attempt > 1 {
			// Clear any error latched by the previous attempt.
			if err := c.sendOnce(ctx, scpi.ClearStatus()); err != nil {
				logger.Debug().Err(err).Msg("clear status before setpoint retry failed")
			}
		}

		if err := c.sendOnce(ctx, scpi.SetCurrent(amps)); err != nil {
			lastErr = err
			logger.Warn().
				Float64("amps", amps).
				Int("attempt", attempt).
				Int("max_attempts", c.cfg.SetpointPolicy.MaxAttempts).
				Err(err).
				Msg("setpoint write retry")
			if attempt < c.cfg.SetpointPolicy.MaxAttempts {
				c.sleep(c.cfg.SetpointPolicy.Delay(attempt))
			}
			continue
		}

		reply, err := c.askOnce(ctx, scpi.QuerySetpoint())
		if err != nil {
			logger.Warn().
				Float64("amps", amps).
				Err(err).
				Msg("setpoint readback failed, assuming applied")
			return nil
		}

		readback, perr := strconv.ParseFloat(reply, 64)
		if perr != nil {
			logger.Warn().
				Float64("amps", amps).
				Str("reply", reply).
				Msg("unparsable setpoint readback, assuming applied")
			return nil
		}

		if math.Abs(readback-amps) <= tolerance {
			logger.Debug().
				Float64("amps", amps).
				Float64("readback", readback).
				Int("attempt", attempt).
				Msg("setpoint verified")
			return nil
		}

		lastErr = c.errFactory.WithData(ErrVerifyMismatch, readback)
		logger.Warn().
			Float64("amps", amps).
			Float64("readback", readback).
			Float64("tolerance", tolerance).
			Int("attempt", attempt).
			Msg("setpoint verification mismatch")
		if attempt < c.cfg.SetpointPolicy.MaxAttempts {
			c.sleep(c.cfg.SetpointPolicy.Delay(attempt))
		}
	}

	return c.errFactory.Wrap(ErrVerifyMismatch, lastErr).WithData(amps)
}

// Measure returns the freshest available reading. If the measurement
// poll interval has not elapsed, the cached value is returned
// immediately; it is marked not-fresh only once its age exceeds the
// staleness threshold. A fresh poll that fails or reads implausible
// values also falls back to the cache.
func (c *Channel) Measure(ctx context.Context) Measurement {
	if !c.poll.Allow() {
		return c.cached()
	}

	voltage, verr := c.measureValue(ctx, scpi.MeasureVoltage())
	if verr != nil {
		logger.Warn().Err(verr).Msg("voltage measurement failed, using cached value")
		return c.cached()
	}

	current, cerr := c.measureValue(ctx, scpi.MeasureCurrent())
	if cerr != nil {
		logger.Warn().Err(cerr).Msg("current measurement failed, using cached value")
		return c.cached()
	}

	if voltage < sanityMin || voltage > sanityMax || current < sanityMin || current > sanityMax {
		logger.Warn().
			Float64("voltage", voltage).
			Float64("current", current).
			Err(c.errFactory.New(ErrOutOfRange)).
			Msg("implausible readings discarded, using cached value")
		return c.cached()
	}

	m := Measurement{
		Voltage:    voltage,
		Current:    current,
		CapturedAt: c.clk.Now(),
		Fresh:      true,
	}

	c.cacheMu.Lock()
	c.cache = m
	c.cacheMu.Unlock()

	return m
}

// LastMeasurement returns the cached reading without touching the
// transport. Observers use this so they never contend with the control
// loop for the instrument.
func (c *Channel) LastMeasurement() Measurement {
	return c.cached()
}

func (c *Channel) cached() Measurement {
	c.cacheMu.RLock()
	m := c.cache
	c.cacheMu.RUnlock()

	m.Fresh = !m.CapturedAt.IsZero() && c.clk.Since(m.CapturedAt) <= c.cfg.StaleAfter
	return m
}

// measureValue polls one quantity with a short, fixed retry budget.
// Measurements are non-critical; two attempts, then the caller falls
// back to the cache.
func (c *Channel) measureValue(ctx context.Context, cmd scpi.Command) (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= measureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, c.errFactory.Wrap(ErrMeasureFailed, err)
		}

		reply, err := c.askOnce(ctx, cmd)
		if err == nil {
			value, perr := strconv.ParseFloat(reply, 64)
			if perr == nil {
				return value, nil
			}
			err = c.errFactory.Wrap(scpi.ErrMalformedReply, perr).WithData(reply)
		}
		lastErr = err

		if attempt < measureAttempts {
			c.sleep(measureBackoff)
		}
	}

	return 0, c.errFactory.Wrap(ErrMeasureFailed, lastErr).WithData(cmd.Text())
}
