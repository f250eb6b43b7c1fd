package channel_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"dischargectl/internal/channel"
	"dischargectl/internal/clock"
	"dischargectl/internal/errors"
	"dischargectl/internal/scpi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts per-call behavior. Counters are not
// mutex-guarded; these tests drive the channel from one goroutine.
type fakeTransport struct {
	sent  []string
	asked []string

	sendFn func(call int, cmd scpi.Command) error
	askFn  func(call int, cmd scpi.Command) (string, error)

	closed bool
}

func (f *fakeTransport) Send(cmd scpi.Command) error {
	call := len(f.sent)
	f.sent = append(f.sent, cmd.Text())
	if f.sendFn != nil {
		return f.sendFn(call, cmd)
	}
	return nil
}

func (f *fakeTransport) Ask(cmd scpi.Command) (string, error) {
	call := len(f.asked)
	f.asked = append(f.asked, cmd.Text())
	if f.askFn != nil {
		return f.askFn(call, cmd)
	}
	return "0", nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

// fastConfig removes all real-time waiting so retry paths run instantly.
func fastConfig(clk clock.Clock) channel.Config {
	return channel.Config{
		CommandInterval: time.Nanosecond,
		MeasureInterval: time.Nanosecond,
		StaleAfter:      10 * time.Second,
		Clock:           clk,
		Sleep:           func(time.Duration) {},
	}
}

func TestWriteSucceedsFirstAttempt(t *testing.T) {
	tr := &fakeTransport{}
	ch := channel.New(tr, fastConfig(nil))

	err := ch.Write(context.Background(), scpi.InputOn())
	require.NoError(t, err)
	assert.Equal(t, []string{":SOUR:INP ON"}, tr.sent)
}

func TestWriteRetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{
		sendFn: func(call int, _ scpi.Command) error {
			if call < 2 {
				return fmt.Errorf("write: connection reset")
			}
			return nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	err := ch.Write(context.Background(), scpi.FunctionCurrent())
	require.NoError(t, err)
	assert.Len(t, tr.sent, 3, "two failures and one success consume three attempts")
}

func TestWriteExhaustsRetryBudget(t *testing.T) {
	tr := &fakeTransport{
		sendFn: func(int, scpi.Command) error {
			return fmt.Errorf("write: broken pipe")
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	err := ch.Write(context.Background(), scpi.InputOff())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, channel.ErrWriteFailed))
	assert.Len(t, tr.sent, 3, "budget is three attempts, never more")
}

func TestWriteHonorsCancelledContext(t *testing.T) {
	tr := &fakeTransport{}
	ch := channel.New(tr, fastConfig(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ch.Write(ctx, scpi.InputOn())
	require.Error(t, err)
	assert.Empty(t, tr.sent)
}

func TestQueryEmptyReplyCountsAsFailure(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(call int, _ scpi.Command) (string, error) {
			if call == 0 {
				return "", nil
			}
			return "RIGOL,DL3021", nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	reply, err := ch.Identify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "RIGOL,DL3021", reply)
	assert.Len(t, tr.asked, 2)
}

func TestQueryFloatUnparsableExhaustsBudget(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "ERR -113", nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	_, err := ch.QueryFloat(context.Background(), scpi.MeasureVoltage())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, channel.ErrQueryFailed))
	assert.Len(t, tr.asked, 3)
}

func TestSetCurrentVerifiedWithinTolerance(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "10.050", nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	// Tolerance for 10 A is max(0.01, 0.1) = 0.1 A.
	err := ch.SetCurrentVerified(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{":SOUR:CURR:LEV 10.000"}, tr.sent)
	assert.Equal(t, []string{":SOUR:CURR:LEV?"}, tr.asked)
}

func TestSetCurrentVerifiedSmallSetpointToleranceFloor(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "0.108", nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	// 1% of 0.1 A is 1 mA; the 10 mA floor applies instead.
	err := ch.SetCurrentVerified(context.Background(), 0.1)
	require.NoError(t, err)
}

func TestSetCurrentVerifiedRetriesMismatch(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(call int, _ scpi.Command) (string, error) {
			if call == 0 {
				return "0.000", nil
			}
			return "5.000", nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	err := ch.SetCurrentVerified(context.Background(), 5)
	require.NoError(t, err)

	// Second attempt clears latched status before rewriting.
	assert.Contains(t, tr.sent, "*CLS")
	assert.Len(t, tr.asked, 2)
}

func TestSetCurrentVerifiedWriteRetries(t *testing.T) {
	writeFailures := 0
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "1.000", nil
		},
	}
	tr.sendFn = func(_ int, cmd scpi.Command) error {
		if strings.HasPrefix(cmd.Text(), ":SOUR:CURR:LEV") && writeFailures < 2 {
			writeFailures++
			return fmt.Errorf("write: connection reset")
		}
		return nil
	}
	ch := channel.New(tr, fastConfig(nil))

	// The first two write attempts fail; the third lands and verifies.
	err := ch.SetCurrentVerified(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, writeFailures)
	assert.Len(t, tr.asked, 1, "only the successful write is read back")
}

func TestSetCurrentVerifiedExhaustsMismatches(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "0.000", nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	err := ch.SetCurrentVerified(context.Background(), 20)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, channel.ErrVerifyMismatch))
	assert.Len(t, tr.asked, 5, "verification budget is five attempts")
}

func TestSetCurrentVerifiedNoBackoffAfterFinalAttempt(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "0.000", nil
		},
	}
	cfg := fastConfig(nil)
	sleeps := 0
	cfg.Sleep = func(time.Duration) { sleeps++ }
	ch := channel.New(tr, cfg)

	err := ch.SetCurrentVerified(context.Background(), 20)
	require.Error(t, err)
	assert.Equal(t, 4, sleeps, "backoff only between attempts, never after the last")

	// Same for a setpoint whose write never lands.
	tr = &fakeTransport{
		sendFn: func(int, scpi.Command) error {
			return fmt.Errorf("write: broken pipe")
		},
	}
	sleeps = 0
	ch = channel.New(tr, cfg)

	require.Error(t, ch.SetCurrentVerified(context.Background(), 20))
	assert.Equal(t, 4, sleeps)
}

func TestSetCurrentVerifiedReadbackErrorIsSoftSuccess(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "", fmt.Errorf("read: timeout")
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	// The write landed; a flaky readback must not abort the run.
	err := ch.SetCurrentVerified(context.Background(), 8)
	require.NoError(t, err)
	assert.Len(t, tr.asked, 1)
}

func TestSetCurrentVerifiedUnparsableReadbackIsSoftSuccess(t *testing.T) {
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "garbage", nil
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	require.NoError(t, ch.SetCurrentVerified(context.Background(), 8))
}

func TestMeasureUpdatesCache(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	tr := &fakeTransport{
		askFn: func(call int, cmd scpi.Command) (string, error) {
			if strings.Contains(cmd.Text(), "VOLT") {
				return "3.712", nil
			}
			return "12.04", nil
		},
	}
	ch := channel.New(tr, fastConfig(clk))

	m := ch.Measure(context.Background())
	assert.True(t, m.Fresh)
	assert.InDelta(t, 3.712, m.Voltage, 1e-9)
	assert.InDelta(t, 12.04, m.Current, 1e-9)
	assert.Equal(t, clk.Now(), m.CapturedAt)

	cached := ch.LastMeasurement()
	assert.Equal(t, m.Voltage, cached.Voltage)
	assert.True(t, cached.Fresh)
}

func TestMeasureThrottledReturnsCache(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	cfg := fastConfig(clk)
	cfg.MeasureInterval = time.Hour

	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "3.5", nil
		},
	}
	ch := channel.New(tr, cfg)

	ch.Measure(context.Background())
	polled := len(tr.asked)

	m := ch.Measure(context.Background())
	assert.Len(t, tr.asked, polled, "throttled poll must not touch the transport")
	assert.True(t, m.Fresh)
}

func TestMeasureFailureFallsBackToCache(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	fail := false
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			if fail {
				return "", fmt.Errorf("read: timeout")
			}
			return "3.8", nil
		},
	}
	ch := channel.New(tr, fastConfig(clk))

	ch.Measure(context.Background())
	fail = true
	clk.Advance(3 * time.Second)

	m := ch.Measure(context.Background())
	assert.InDelta(t, 3.8, m.Voltage, 1e-9)
	assert.True(t, m.Fresh, "cache younger than the staleness horizon stays fresh")
}

func TestMeasureImplausibleReadingDiscarded(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	noise := false
	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			if noise {
				return "9999", nil
			}
			return "3.3", nil
		},
	}
	ch := channel.New(tr, fastConfig(clk))

	ch.Measure(context.Background())
	noise = true

	m := ch.Measure(context.Background())
	assert.InDelta(t, 3.3, m.Voltage, 1e-9, "implausible poll must not replace the cache")
}

func TestCacheGoesStale(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	cfg := fastConfig(clk)
	cfg.MeasureInterval = time.Hour

	tr := &fakeTransport{
		askFn: func(int, scpi.Command) (string, error) {
			return "3.1", nil
		},
	}
	ch := channel.New(tr, cfg)

	ch.Measure(context.Background())
	clk.Advance(11 * time.Second)

	m := ch.LastMeasurement()
	assert.False(t, m.Fresh)
	assert.InDelta(t, 3.1, m.Voltage, 1e-9, "stale values are still reported, just flagged")
}

func TestEmptyCacheIsNotFresh(t *testing.T) {
	ch := channel.New(&fakeTransport{}, fastConfig(nil))
	assert.False(t, ch.LastMeasurement().Fresh)
}

func TestDisableOutputBestEffortSingleAttempt(t *testing.T) {
	tr := &fakeTransport{
		sendFn: func(int, scpi.Command) error {
			return fmt.Errorf("write: broken pipe")
		},
	}
	ch := channel.New(tr, fastConfig(nil))

	err := ch.DisableOutputBestEffort(context.Background())
	require.Error(t, err)
	assert.Len(t, tr.sent, 1, "emergency path must not block on retries")
}

func TestClose(t *testing.T) {
	tr := &fakeTransport{}
	ch := channel.New(tr, fastConfig(nil))

	require.NoError(t, ch.Close())
	assert.True(t, tr.closed)
}
