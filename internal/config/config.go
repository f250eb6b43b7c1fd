package config

import (
	"os"
	"strings"
	"time"

	"dischargectl/internal/errors"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultCommandInterval = 300 * time.Millisecond
	defaultMeasureInterval = 2 * time.Second
	defaultStaleAfter      = 10 * time.Second
	defaultCutoffBuffer    = time.Second
	defaultCutoffVoltage   = 2.75
	defaultMaxCurrent      = 40.0
	defaultCellDivisor     = 3.0
	defaultWindowSize      = 200
	defaultSampleRate      = 100
)

// Config holds every tunable of a discharge run. Values come from the
// TOML config file, overridden by command line flags.
type Config struct {
	Address   string `mapstructure:"address"`
	Transport string `mapstructure:"transport"` // "line" or "relay"
	Profile   string `mapstructure:"profile"`

	Policy        string        `mapstructure:"policy"`
	CutoffVoltage float64       `mapstructure:"cutoff_voltage"`
	CutoffBuffer  time.Duration `mapstructure:"cutoff_buffer"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`

	CommandInterval time.Duration `mapstructure:"command_interval"`
	MeasureInterval time.Duration `mapstructure:"measure_interval"`

	MinCurrent  float64 `mapstructure:"min_current"`
	MaxCurrent  float64 `mapstructure:"max_current"`
	CellDivisor float64 `mapstructure:"cell_divisor"`
	WindowSize  int     `mapstructure:"window_size"`
	SampleRate  int     `mapstructure:"sample_rate"`

	CurrentRange string        `mapstructure:"current_range"` // "low" or "high"
	Protection   string        `mapstructure:"protection"`    // "off", "limit" or "protlow"
	TimeLimit    time.Duration `mapstructure:"time_limit"`    // 0 disables

	LogDir    string `mapstructure:"log_dir"`
	Archive   bool   `mapstructure:"archive"`
	ArchiveDB string `mapstructure:"archive_db"`

	Monitor  bool   `mapstructure:"monitor"`
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet("dischargectl", pflag.ContinueOnError)
	fs.String("address", "", "Instrument address (host:port)")
	fs.String("transport", "line", "Transport kind: line or relay")
	fs.String("profile", "", "Telemetry profile CSV path")
	fs.String("policy", "rms", "Interpolation policy")
	fs.Float64("cutoff-voltage", defaultCutoffVoltage, "Voltage cutoff threshold")
	fs.Duration("cutoff-buffer", defaultCutoffBuffer, "Continuous time below cutoff before tripping")
	fs.Duration("time-limit", 0, "Optional wall-clock limit for the run")
	fs.String("current-range", "low", "Instrument current range: low or high")
	fs.String("protection", "off", "Hardware voltage protection variant: off, limit or protlow")
	fs.Bool("monitor", false, "Only monitor measurements, do not drive the load")
	fs.Bool("archive", false, "Record cycles to the sqlite archive")
	fs.String("log-level", "", "Log level: debug, info, warning or error")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("transport", "line")
	v.SetDefault("policy", "rms")
	v.SetDefault("cutoff_voltage", defaultCutoffVoltage)
	v.SetDefault("cutoff_buffer", defaultCutoffBuffer)
	v.SetDefault("stale_after", defaultStaleAfter)
	v.SetDefault("command_interval", defaultCommandInterval)
	v.SetDefault("measure_interval", defaultMeasureInterval)
	v.SetDefault("min_current", 0.0)
	v.SetDefault("max_current", defaultMaxCurrent)
	v.SetDefault("cell_divisor", defaultCellDivisor)
	v.SetDefault("window_size", defaultWindowSize)
	v.SetDefault("sample_rate", defaultSampleRate)
	v.SetDefault("current_range", "low")
	v.SetDefault("protection", "off")
	v.SetDefault("log_dir", ".")
	v.SetDefault("archive_db", "dischargectl.db")
	v.SetDefault("log_level", DefaultLogLevel)

	v.SetConfigName("dischargectl")
	v.SetConfigType("toml")
	if path := os.Getenv("DISCHARGECTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	fs.Visit(func(f *pflag.Flag) {
		v.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
	})

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations that must not reach a running test.
func (c *Config) Validate() error {
	errFactory := errors.New()

	switch c.Transport {
	case "line", "relay":
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "transport must be line or relay")
	}

	switch strings.ToLower(c.CurrentRange) {
	case "low", "high":
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "current_range must be low or high")
	}

	switch c.Protection {
	case "off", "limit", "protlow":
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "protection must be off, limit or protlow")
	}

	if c.CutoffVoltage <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "cutoff_voltage must be positive")
	}
	if c.CutoffBuffer <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "cutoff_buffer must be positive")
	}
	if c.StaleAfter <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "stale_after must be positive")
	}
	if c.CommandInterval <= 0 || c.MeasureInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "command and measure intervals must be positive")
	}
	if c.TimeLimit < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "time_limit must not be negative")
	}
	if c.MinCurrent < 0 || c.MaxCurrent < c.MinCurrent {
		return errFactory.WithData(errors.ErrInvalidConfig, "current limits must satisfy 0 <= min <= max")
	}
	if c.CellDivisor <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "cell_divisor must be positive")
	}
	if c.WindowSize <= 0 || c.SampleRate <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "window_size and sample_rate must be positive")
	}

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

func (l LogLevel) String() string {
	return string(l)
}
