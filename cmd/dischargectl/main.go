package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dischargectl/internal/archive"
	"dischargectl/internal/channel"
	"dischargectl/internal/clock"
	"dischargectl/internal/config"
	"dischargectl/internal/interp"
	"dischargectl/internal/logger"
	"dischargectl/internal/pid"
	"dischargectl/internal/profile"
	"dischargectl/internal/run"
	"dischargectl/internal/safety"
	"dischargectl/internal/scpi"

	"golang.org/x/sync/errgroup"
)

const dialTimeout = 10 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		switch config.LogLevel(cfg.LogLevel) {
		case config.LogLevelDebug:
			logger.SetLogLevel(logger.DebugLevel)
		case config.LogLevelInfo:
			logger.SetLogLevel(logger.InfoLevel)
		case config.LogLevelWarning:
			logger.SetLogLevel(logger.WarnLevel)
		case config.LogLevelError:
			logger.SetLogLevel(logger.ErrorLevel)
		}
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("another instance is already running")
	}
	defer pid.Remove()

	if cfg.Address == "" {
		logger.Fatal().Msg("no instrument address configured")
	}

	tr, err := dial()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to instrument")
	}

	ch := channel.New(tr, channel.Config{
		CommandInterval: cfg.CommandInterval,
		MeasureInterval: cfg.MeasureInterval,
		StaleAfter:      cfg.StaleAfter,
	})
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idn, err := ch.Identify(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("instrument identification failed")
	}
	logger.Info().Str("instrument", idn).Msg("connected")

	if cfg.Monitor {
		go handleStopSignals(cancel)
		monitorLoop(ctx, ch)
		return
	}

	status, err := discharge(ctx, cancel, ch)
	if err != nil {
		logger.Error().Err(err).Msg("discharge run failed")
		os.Exit(1)
	}

	if status == run.StatusTripped {
		logger.Warn().Msg("run ended on voltage cutoff")
	}
}

func dial() (scpi.Transport, error) {
	if cfg.Transport == "relay" {
		return scpi.DialRelay(cfg.Address, dialTimeout)
	}
	return scpi.DialLine(cfg.Address, dialTimeout)
}

func discharge(ctx context.Context, cancel context.CancelFunc, ch *channel.Channel) (run.Status, error) {
	prof, err := profile.Load(cfg.Profile, cfg.SampleRate)
	if err != nil {
		return run.StatusIdle, err
	}
	logger.Info().
		Int("rows", prof.Len()).
		Dur("recorded_duration", prof.Duration()).
		Msg("telemetry profile loaded")

	policy, err := interp.ParsePolicy(cfg.Policy)
	if err != nil {
		return run.StatusIdle, err
	}

	rng, err := scpi.ParseRange(cfg.CurrentRange)
	if err != nil {
		return run.StatusIdle, err
	}

	if err := ch.Setup(ctx, channel.SetupConfig{
		Range:         rng,
		Protection:    channel.Protection(cfg.Protection),
		CutoffVoltage: cfg.CutoffVoltage,
	}); err != nil {
		return run.StatusIdle, err
	}

	monitor := safety.New(safety.Config{
		CutoffVoltage: cfg.CutoffVoltage,
		Buffer:        cfg.CutoffBuffer,
		StaleAfter:    cfg.StaleAfter,
	}, clock.Real{})

	logPath := filepath.Join(cfg.LogDir,
		fmt.Sprintf("discharge_%s.csv", time.Now().Format("20060102_150405")))
	sink, err := run.NewCSVSink(logPath)
	if err != nil {
		return run.StatusIdle, err
	}
	defer sink.Close()
	logger.Info().Str("log", logPath).Msg("cycle log opened")

	ac := archive.DefaultConfig()
	ac.Enabled = cfg.Archive
	if cfg.ArchiveDB != "" {
		ac.DBPath = cfg.ArchiveDB
	}
	rec, err := archive.NewService(ac)
	if err != nil {
		return run.StatusIdle, err
	}
	defer rec.Close()

	orch, err := run.New(
		run.Config{
			WindowSize: cfg.WindowSize,
			SampleRate: cfg.SampleRate,
			TimeLimit:  cfg.TimeLimit,
		},
		ch,
		prof,
		interp.Interpolator{
			Policy:     policy,
			MinCurrent: cfg.MinCurrent,
			MaxCurrent: cfg.MaxCurrent,
			Divisor:    cfg.CellDivisor,
		},
		monitor,
		sink,
		rec,
		clock.Real{},
	)
	if err != nil {
		return run.StatusIdle, err
	}

	go handleRunSignals(ctx, orch)

	var status run.Status
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		var runErr error
		status, runErr = orch.Run(gctx)
		return runErr
	})
	g.Go(func() error {
		return run.NewObserver(orch, ch, 0, 0).Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return status, err
	}

	return status, nil
}

// handleRunSignals stops the run gracefully on the first signal and
// escalates to an emergency stop on the second.
func handleRunSignals(ctx context.Context, orch *run.Orchestrator) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		return
	case <-sigs:
	}
	logger.Info().Msg("Received termination signal, stopping run.")
	orch.Stop()

	select {
	case <-ctx.Done():
	case <-sigs:
		orch.EmergencyStop(context.Background())
	}
}

func handleStopSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// monitorLoop logs measurements without ever driving the load.
func monitorLoop(ctx context.Context, ch *channel.Channel) {
	ticker := time.NewTicker(cfg.MeasureInterval)
	defer ticker.Stop()

	logger.Info().Msg("Monitor mode activated. Logging measurements...")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Exiting...")
			return
		case <-ticker.C:
			m := ch.Measure(ctx)
			logger.Info().
				Float64("voltage", m.Voltage).
				Float64("current", m.Current).
				Float64("power", m.Voltage*m.Current).
				Bool("fresh", m.Fresh).
				Msg("")
		}
	}
}
