package run

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"dischargectl/internal/errors"
)

// Record is one orchestrator cycle as written to the log sink.
type Record struct {
	Timestamp     time.Time
	Elapsed       time.Duration
	Row           int
	TargetCurrent float64
	Voltage       float64
	Current       float64
}

// Sink receives one record per orchestrator cycle.
type Sink interface {
	Append(r Record) error
	Close() error
}

var csvHeader = []string{
	"timestamp", "elapsed_seconds", "row",
	"target_current", "measured_voltage", "measured_current",
}

// CSVSink writes records to a CSV file, flushing after every row so a
// killed process loses nothing already completed.
type CSVSink struct {
	f *os.File
	w *csv.Writer
}

// NewCSVSink creates the log file and writes the header.
func NewCSVSink(path string) (*CSVSink, error) {
	errFactory := errors.New()

	f, err := os.Create(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrSinkFailed, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, errFactory.Wrap(ErrSinkFailed, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, errFactory.Wrap(ErrSinkFailed, err)
	}

	return &CSVSink{f: f, w: w}, nil
}

func (s *CSVSink) Append(r Record) error {
	row := []string{
		r.Timestamp.Format(time.RFC3339),
		fmt.Sprintf("%.1f", r.Elapsed.Seconds()),
		strconv.Itoa(r.Row),
		fmt.Sprintf("%.3f", r.TargetCurrent),
		fmt.Sprintf("%.3f", r.Voltage),
		fmt.Sprintf("%.3f", r.Current),
	}

	if err := s.w.Write(row); err != nil {
		return errors.New().Wrap(ErrSinkFailed, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return errors.New().Wrap(ErrSinkFailed, err)
	}

	return nil
}

func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.f.Close(); err != nil {
		return errors.New().Wrap(ErrSinkFailed, err)
	}
	return nil
}

// discardSink is used when no log file was requested (monitor mode,
// tests).
type discardSink struct{}

func (discardSink) Append(Record) error { return nil }
func (discardSink) Close() error        { return nil }

// DiscardSink returns a sink that drops all records.
func DiscardSink() Sink { return discardSink{} }
