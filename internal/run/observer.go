package run

import (
	"context"
	"time"

	"dischargectl/internal/channel"
	"dischargectl/internal/logger"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultReportEvery  = 10 * time.Second
)

// MeasurementSource exposes the channel's cached reading without
// touching the instrument.
type MeasurementSource interface {
	LastMeasurement() channel.Measurement
}

// Observer periodically reads the orchestrator's published snapshot
// and the channel's measurement cache for status reporting. It never
// issues instrument commands, so it can never delay the control loop.
type Observer struct {
	orch   *Orchestrator
	src    MeasurementSource
	period time.Duration
	report time.Duration
}

// NewObserver builds an observer polling at the given period; zero
// picks the defaults (100ms poll, 10s status report).
func NewObserver(orch *Orchestrator, src MeasurementSource, period, report time.Duration) *Observer {
	if period <= 0 {
		period = defaultPollInterval
	}
	if report <= 0 {
		report = defaultReportEvery
	}
	return &Observer{orch: orch, src: src, period: period, report: report}
}

// Run polls until the context is cancelled.
func (ob *Observer) Run(ctx context.Context) error {
	ticker := time.NewTicker(ob.period)
	defer ticker.Stop()

	lastReport := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := ob.orch.Snapshot()
			meas := ob.src.LastMeasurement()

			logger.Debug().
				Str("status", string(snap.Status)).
				Int("row", snap.CurrentRow).
				Int("total", snap.TotalRows).
				Float64("target", snap.TargetCurrent).
				Float64("voltage", meas.Voltage).
				Float64("current", meas.Current).
				Bool("fresh", meas.Fresh).
				Msg("")

			if time.Since(lastReport) >= ob.report && snap.Status == StatusRunning {
				lastReport = time.Now()
				logger.Info().
					Int("row", snap.CurrentRow).
					Int("total", snap.TotalRows).
					Float64("target", snap.TargetCurrent).
					Float64("voltage", meas.Voltage).
					Float64("current", meas.Current).
					Bool("fresh", meas.Fresh).
					Dur("elapsed", snap.Elapsed).
					Dur("eta", snap.Remaining).
					Msg("run progress")
			}
		}
	}
}
