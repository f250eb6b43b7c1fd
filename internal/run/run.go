// Package run owns the discharge test lifecycle: window by window it
// interpolates a setpoint, commands the load, measures, feeds the
// safety monitor and logs, pacing itself against the profile's
// real-time duration.
package run

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dischargectl/internal/archive"
	"dischargectl/internal/channel"
	"dischargectl/internal/clock"
	"dischargectl/internal/errors"
	"dischargectl/internal/interp"
	"dischargectl/internal/logger"
	"dischargectl/internal/profile"
	"dischargectl/internal/safety"

	"github.com/google/uuid"
)

// Status is the orchestrator lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusTripped   Status = "tripped"
)

// minSetpoint is the threshold below which the interpolated target is
// commanded as zero.
const minSetpoint = 0.001

// Snapshot is an immutable view of the run, published atomically after
// every cycle. Observers read snapshots; they never see in-flight
// writes.
type Snapshot struct {
	RunID         string
	Status        Status
	StartedAt     time.Time
	CurrentRow    int
	TotalRows     int
	TargetCurrent float64
	Voltage       float64
	Current       float64
	Fresh         bool
	Elapsed       time.Duration
	Remaining     time.Duration
}

// Instrument is the slice of the channel contract the orchestrator
// needs.
type Instrument interface {
	SetCurrentVerified(ctx context.Context, amps float64) error
	Measure(ctx context.Context) channel.Measurement
	LastMeasurement() channel.Measurement
	EnableOutput(ctx context.Context) error
	DisableOutput(ctx context.Context) error
	DisableOutputBestEffort(ctx context.Context) error
}

// Config tunes one orchestrator.
type Config struct {
	WindowSize int
	SampleRate int
	TimeLimit  time.Duration // 0 disables the wall-clock stop

	// Pace overrides the derived batch interval. 0 derives
	// WindowSize/SampleRate; negative disables pacing (tests).
	Pace time.Duration
}

// Orchestrator drives one discharge run. Its fields are written only
// by the Run goroutine; everyone else reads published snapshots.
type Orchestrator struct {
	cfg     Config
	inst    Instrument
	prof    *profile.Profile
	ip      interp.Interpolator
	monitor *safety.Monitor
	sink    Sink
	rec     archive.Recorder
	clk     clock.Clock

	snap     atomic.Value // Snapshot
	stopCh   chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New validates collaborators and builds an idle orchestrator.
func New(
	cfg Config,
	inst Instrument,
	prof *profile.Profile,
	ip interp.Interpolator,
	monitor *safety.Monitor,
	sink Sink,
	rec archive.Recorder,
	clk clock.Clock,
) (*Orchestrator, error) {
	errFactory := errors.New()

	if inst == nil {
		return nil, errFactory.WithData(ErrNotReady, "no instrument channel")
	}
	if prof == nil || prof.Len() == 0 {
		return nil, errFactory.WithData(ErrNotReady, "no telemetry profile loaded")
	}
	if cfg.WindowSize <= 0 || cfg.SampleRate <= 0 {
		return nil, errFactory.WithData(ErrNotReady, "window size and sample rate must be positive")
	}
	if monitor == nil {
		return nil, errFactory.WithData(ErrNotReady, "no safety monitor")
	}
	if sink == nil {
		sink = DiscardSink()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	o := &Orchestrator{
		cfg:     cfg,
		inst:    inst,
		prof:    prof,
		ip:      ip,
		monitor: monitor,
		sink:    sink,
		rec:     rec,
		clk:     clk,
		stopCh:  make(chan struct{}),
	}
	o.snap.Store(Snapshot{Status: StatusIdle, TotalRows: prof.Len()})

	return o, nil
}

// Snapshot returns the latest published view of the run.
func (o *Orchestrator) Snapshot() Snapshot {
	return o.snap.Load().(Snapshot)
}

// Stop requests a graceful stop, honored within one batch boundary.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// EmergencyStop bypasses the batch cadence: it issues an immediate
// output-disable through the channel's serialized path, then requests
// a stop. It never skips the channel lock, only the schedule.
func (o *Orchestrator) EmergencyStop(ctx context.Context) {
	logger.Error().Msg("EMERGENCY STOP")
	if err := o.inst.DisableOutputBestEffort(ctx); err != nil {
		logger.Error().Err(err).Msg("emergency output disable failed")
	}
	o.Stop()
}

func (o *Orchestrator) pace() time.Duration {
	if o.cfg.Pace != 0 {
		if o.cfg.Pace < 0 {
			return 0
		}
		return o.cfg.Pace
	}
	return time.Duration(o.cfg.WindowSize) * time.Second / time.Duration(o.cfg.SampleRate)
}

// Run executes the test to one of its terminal states. The output is
// unconditionally re-disabled on every exit path.
func (o *Orchestrator) Run(ctx context.Context) (Status, error) {
	if !o.running.CompareAndSwap(false, true) {
		return StatusIdle, errors.New().New(ErrAlreadyRunning)
	}
	defer o.running.Store(false)

	runID := uuid.NewString()
	startedAt := o.clk.Now()
	total := o.prof.Len()
	pace := o.pace()

	logger.Info().
		Str("run_id", runID).
		Int("total_rows", total).
		Int("window_size", o.cfg.WindowSize).
		Dur("pace", pace).
		Msg("discharge run started")

	// Final safety measure: one more output-off on the way out, no
	// retry budget, regardless of how the run ended.
	defer func() {
		if err := o.inst.DisableOutputBestEffort(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("final output disable failed")
		}
	}()

	snap := Snapshot{
		RunID:     runID,
		Status:    StatusRunning,
		StartedAt: startedAt,
		TotalRows: total,
	}
	o.snap.Store(snap)

	status := StatusCompleted
	outputOn := false

loop:
	for row := 0; row < total; row += o.cfg.WindowSize {
		select {
		case <-ctx.Done():
			status = StatusStopped
			break loop
		case <-o.stopCh:
			status = StatusStopped
			break loop
		default:
		}

		if o.cfg.TimeLimit > 0 && o.clk.Since(startedAt) >= o.cfg.TimeLimit {
			logger.Info().Dur("time_limit", o.cfg.TimeLimit).Msg("wall-clock limit reached")
			status = StatusStopped
			break loop
		}

		window := o.prof.Window(row, o.cfg.WindowSize)
		target := o.ip.Target(window)

		// Order within a cycle is fixed: setpoint, then measurement,
		// then the safety evaluation and the log append. The safety
		// decision must reflect the state the load was just commanded
		// into.
		commanded := target
		if commanded <= minSetpoint {
			commanded = 0
		}
		if err := o.inst.SetCurrentVerified(ctx, commanded); err != nil {
			logger.Warn().
				Float64("target", commanded).
				Int("row", row).
				Err(err).
				Msg("setpoint failed, continuing with previous setpoint")
		} else if commanded > 0 && !outputOn {
			if err := o.inst.EnableOutput(ctx); err != nil {
				logger.Warn().Err(err).Msg("output enable failed, will retry next cycle")
			} else {
				outputOn = true
				logger.Info().Float64("target", commanded).Msg("load output enabled")
			}
		}

		meas := o.inst.Measure(ctx)
		state := o.monitor.Evaluate(meas)

		now := o.clk.Now()
		elapsed := now.Sub(startedAt)
		if err := o.sink.Append(Record{
			Timestamp:     now,
			Elapsed:       elapsed,
			Row:           row,
			TargetCurrent: target,
			Voltage:       meas.Voltage,
			Current:       meas.Current,
		}); err != nil {
			logger.Warn().Err(err).Msg("log append failed")
		}

		if o.rec != nil {
			if err := o.rec.Record(ctx, &archive.CycleRecord{
				RunID:         runID,
				Timestamp:     now,
				Elapsed:       elapsed,
				Row:           row,
				TargetCurrent: target,
				Voltage:       meas.Voltage,
				Current:       meas.Current,
				Power:         meas.Voltage * meas.Current,
				Fresh:         meas.Fresh,
				State:         state.String(),
			}); err != nil {
				logger.Warn().Err(err).Msg("archive record failed")
			}
		}

		done := row + o.cfg.WindowSize
		if done > total {
			done = total
		}
		snap = Snapshot{
			RunID:         runID,
			Status:        StatusRunning,
			StartedAt:     startedAt,
			CurrentRow:    done,
			TotalRows:     total,
			TargetCurrent: target,
			Voltage:       meas.Voltage,
			Current:       meas.Current,
			Fresh:         meas.Fresh,
			Elapsed:       elapsed,
			Remaining:     o.remaining(done, total, pace),
		}
		o.snap.Store(snap)

		if state == safety.StateTripped {
			status = StatusTripped
			break loop
		}

		if pace > 0 && done < total {
			timer := time.NewTimer(pace)
			select {
			case <-ctx.Done():
				timer.Stop()
				status = StatusStopped
				break loop
			case <-o.stopCh:
				timer.Stop()
				status = StatusStopped
				break loop
			case <-timer.C:
			}
		}
	}

	if err := o.inst.DisableOutput(ctx); err != nil {
		logger.Warn().Err(err).Msg("output disable failed at run end")
	}

	snap.Status = status
	snap.Elapsed = o.clk.Since(startedAt)
	snap.Remaining = 0
	o.snap.Store(snap)

	logger.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Int("rows_done", snap.CurrentRow).
		Dur("elapsed", snap.Elapsed).
		Msg("discharge run finished")

	return status, nil
}

func (o *Orchestrator) remaining(done, total int, pace time.Duration) time.Duration {
	if o.cfg.WindowSize <= 0 || pace <= 0 {
		return 0
	}
	batchesLeft := (total - done + o.cfg.WindowSize - 1) / o.cfg.WindowSize
	return time.Duration(batchesLeft) * pace
}
