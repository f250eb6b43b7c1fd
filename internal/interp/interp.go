// Package interp reduces a window of raw telemetry samples to one
// target discharge current.
package interp

import (
	"fmt"
	"math"
	"strings"
)

// Policy names one of the window-reduction strategies.
type Policy string

const (
	PolicyAverage          Policy = "average"
	PolicyRMS              Policy = "rms"
	PolicyWeightedAverage  Policy = "weighted_avg"
	PolicyPeakAware        Policy = "peak_aware"
	PolicyEnergyEquivalent Policy = "energy_equiv"
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case PolicyAverage, PolicyRMS, PolicyWeightedAverage, PolicyPeakAware, PolicyEnergyEquivalent:
		return Policy(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown interpolation policy %q", s)
	}
}

const (
	peakAwareMeanWeight = 0.7
	peakAwarePeakWeight = 0.3
)

// Interpolator maps raw signed vehicle current to a clamped
// single-cell load setpoint. The vehicle log records discharge as
// negative current; regeneration and rest map to zero load.
type Interpolator struct {
	Policy     Policy
	MinCurrent float64
	MaxCurrent float64
	Divisor    float64 // cells in parallel sharing the pack current
}

// Target reduces one window to a single setpoint already clamped to
// [MinCurrent, MaxCurrent]. An empty window yields 0.
func (ip Interpolator) Target(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}

	processed := make([]float64, len(window))
	for i, raw := range window {
		v := 0.0
		if raw < 0 {
			v = -raw / ip.Divisor
		}
		processed[i] = ip.clamp(v)
	}

	switch ip.Policy {
	case PolicyAverage:
		return ip.clamp(mean(processed))
	case PolicyWeightedAverage:
		return ip.clamp(selfWeightedMean(processed))
	case PolicyPeakAware:
		return ip.clamp(peakAwareMeanWeight*mean(processed) + peakAwarePeakWeight*max(processed))
	case PolicyEnergyEquivalent:
		// I²t equivalence; numerically the same reduction as RMS, kept
		// as a separate named policy for operators thinking in energy.
		return ip.clamp(math.Sqrt(sumSquares(processed) / float64(len(processed))))
	case PolicyRMS:
		fallthrough
	default:
		return ip.clamp(math.Sqrt(sumSquares(processed) / float64(len(processed))))
	}
}

func (ip Interpolator) clamp(v float64) float64 {
	if v < ip.MinCurrent {
		return ip.MinCurrent
	}
	if v > ip.MaxCurrent {
		return ip.MaxCurrent
	}
	return v
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sumSquares(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x * x
	}
	return sum
}

func max(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// selfWeightedMean weights each sample by its own share of the window
// total, emphasizing sustained high-current excursions. A zero-sum
// window degenerates to the plain mean.
func selfWeightedMean(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	if total == 0 {
		return mean(xs)
	}

	weighted := 0.0
	for _, x := range xs {
		weighted += x * (x / total)
	}
	return weighted
}
