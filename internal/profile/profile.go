// Package profile holds the recorded telemetry current trace that
// drives a discharge run.
package profile

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"dischargectl/internal/errors"
)

const (
	ErrOpenFailed    = errors.ErrorCode("profile_open_failed")
	ErrParseFailed   = errors.ErrorCode("profile_parse_failed")
	ErrTooFewColumns = errors.ErrorCode("profile_too_few_columns")
	ErrEmpty         = errors.ErrorCode("profile_empty")
)

// currentColumn is the third CSV column of the vehicle log.
const currentColumn = 2

// Profile is an immutable ordered sequence of raw signed current
// samples at a fixed sampling rate. Negative values are discharge.
type Profile struct {
	samples    []float64
	sampleRate int
}

// Load reads the raw current column from a telemetry CSV. A single
// non-numeric leading row is tolerated as a header.
func Load(path string, sampleRate int) (*Profile, error) {
	errFactory := errors.New()

	f, err := os.Open(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}
	defer f.Close()

	p, err := Read(f, sampleRate)
	if err != nil {
		return nil, errFactory.Wrap(errors.CodeOf(err), err).WithData(path)
	}

	return p, nil
}

// Read parses profile samples from r.
func Read(r io.Reader, sampleRate int) (*Profile, error) {
	errFactory := errors.New()

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var samples []float64
	row := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errFactory.Wrap(ErrParseFailed, err)
		}
		row++

		if len(record) <= currentColumn {
			return nil, errFactory.WithData(ErrTooFewColumns, row)
		}

		value, err := strconv.ParseFloat(record[currentColumn], 64)
		if err != nil {
			if row == 1 && len(samples) == 0 {
				continue // header row
			}
			return nil, errFactory.Wrap(ErrParseFailed, err).WithData(row)
		}

		samples = append(samples, value)
	}

	if len(samples) == 0 {
		return nil, errFactory.New(ErrEmpty)
	}

	return &Profile{samples: samples, sampleRate: sampleRate}, nil
}

// FromSamples builds a profile from an in-memory trace.
func FromSamples(samples []float64, sampleRate int) *Profile {
	return &Profile{samples: samples, sampleRate: sampleRate}
}

// Len returns the total number of samples.
func (p *Profile) Len() int { return len(p.samples) }

// SampleRate returns samples per second.
func (p *Profile) SampleRate() int { return p.sampleRate }

// Duration returns the recorded wall-clock length of the trace.
func (p *Profile) Duration() time.Duration {
	if p.sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(p.samples)) / float64(p.sampleRate) * float64(time.Second))
}

// Window returns the contiguous slice [start, start+size), truncated
// at the end of the trace. The returned slice aliases the profile and
// must be treated as read-only.
func (p *Profile) Window(start, size int) []float64 {
	if start < 0 || start >= len(p.samples) || size <= 0 {
		return nil
	}
	end := start + size
	if end > len(p.samples) {
		end = len(p.samples)
	}
	return p.samples[start:end]
}
