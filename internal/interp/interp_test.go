package interp_test

import (
	"math"
	"testing"

	"dischargectl/internal/interp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInterpolator(p interp.Policy) interp.Interpolator {
	return interp.Interpolator{
		Policy:     p,
		MinCurrent: 0,
		MaxCurrent: 40,
		Divisor:    3,
	}
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"average", "rms", "weighted_avg", "peak_aware", "energy_equiv"} {
		p, err := interp.ParsePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, interp.Policy(name), p)
	}

	_, err := interp.ParsePolicy("bogus")
	require.Error(t, err)
}

func TestTargetAverage(t *testing.T) {
	ip := newInterpolator(interp.PolicyAverage)

	// Raw telemetry: discharge is negative, charge/idle is non-negative.
	// -30/3=10, -60/3=20, idle rows contribute zero.
	got := ip.Target([]float64{-30, -60, 0, 15})
	assert.InDelta(t, 7.5, got, 1e-9)
}

func TestTargetNonNegativeRowsMapToZero(t *testing.T) {
	ip := newInterpolator(interp.PolicyAverage)

	got := ip.Target([]float64{5, 0, 12.5})
	assert.Zero(t, got)
}

func TestTargetEmptyWindow(t *testing.T) {
	ip := newInterpolator(interp.PolicyAverage)
	assert.Zero(t, ip.Target(nil))
}

func TestTargetClampsToMax(t *testing.T) {
	// -600/3 = 200A per-sample, far above the 40A ceiling.
	window := make([]float64, 200)
	for i := range window {
		window[i] = -600
	}

	for _, p := range []interp.Policy{
		interp.PolicyAverage,
		interp.PolicyRMS,
		interp.PolicyWeightedAverage,
		interp.PolicyPeakAware,
		interp.PolicyEnergyEquivalent,
	} {
		ip := newInterpolator(p)
		assert.Equal(t, 40.0, ip.Target(window), "policy %s", p)
	}
}

func TestTargetClampsToMin(t *testing.T) {
	ip := newInterpolator(interp.PolicyAverage)
	ip.MinCurrent = 2

	got := ip.Target([]float64{-0.3})
	assert.Equal(t, 2.0, got)
}

func TestRMSAtLeastMean(t *testing.T) {
	avg := newInterpolator(interp.PolicyAverage)
	rms := newInterpolator(interp.PolicyRMS)

	window := []float64{-10, -90, -30, -70, 0}
	assert.GreaterOrEqual(t, rms.Target(window), avg.Target(window))
}

func TestConstantWindowAllPoliciesAgree(t *testing.T) {
	// Every policy reduces a constant discharge to the same setpoint.
	window := []float64{-36, -36, -36, -36}
	want := 12.0

	for _, p := range []interp.Policy{
		interp.PolicyAverage,
		interp.PolicyRMS,
		interp.PolicyWeightedAverage,
		interp.PolicyPeakAware,
		interp.PolicyEnergyEquivalent,
	} {
		ip := newInterpolator(p)
		assert.InDelta(t, want, ip.Target(window), 1e-9, "policy %s", p)
	}
}

func TestPeakAwareBlendsMeanAndPeak(t *testing.T) {
	ip := newInterpolator(interp.PolicyPeakAware)

	// Scaled samples 0 and 20: mean 10, peak 20.
	got := ip.Target([]float64{0, -60})
	assert.InDelta(t, 0.7*10+0.3*20, got, 1e-9)
}

func TestWeightedMeanFavorsHeavyDraw(t *testing.T) {
	wavg := newInterpolator(interp.PolicyWeightedAverage)
	avg := newInterpolator(interp.PolicyAverage)

	// One heavy burst among light rows pulls the weighted mean up.
	window := []float64{-3, -3, -3, -90}
	assert.Greater(t, wavg.Target(window), avg.Target(window))
}

func TestWeightedMeanAllZero(t *testing.T) {
	ip := newInterpolator(interp.PolicyWeightedAverage)
	assert.Zero(t, ip.Target([]float64{0, 4, 9}))
}

func TestEnergyEquivMatchesRMS(t *testing.T) {
	rms := newInterpolator(interp.PolicyRMS)
	eq := newInterpolator(interp.PolicyEnergyEquivalent)

	window := []float64{-12, -48, -6, 0}
	assert.InDelta(t, rms.Target(window), eq.Target(window), 1e-9)
}

func TestTargetMixedWindowRMS(t *testing.T) {
	ip := newInterpolator(interp.PolicyRMS)

	// Scaled: 10, 20, 0. RMS = sqrt((100+400+0)/3).
	got := ip.Target([]float64{-30, -60, 6})
	assert.InDelta(t, math.Sqrt(500.0/3.0), got, 1e-9)
}
