package run_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dischargectl/internal/run"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discharge.csv")

	sink, err := run.NewCSVSink(path)
	require.NoError(t, err)

	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Append(run.Record{
		Timestamp:     ts,
		Elapsed:       2 * time.Second,
		Row:           0,
		TargetCurrent: 10.123,
		Voltage:       3.704,
		Current:       10.088,
	}))
	require.NoError(t, sink.Append(run.Record{
		Timestamp:     ts.Add(2 * time.Second),
		Elapsed:       4 * time.Second,
		Row:           200,
		TargetCurrent: 9.5,
		Voltage:       3.69,
		Current:       9.47,
	}))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{
		"timestamp", "elapsed_seconds", "row",
		"target_current", "measured_voltage", "measured_current",
	}, rows[0])

	assert.Equal(t, "2025-06-01T10:00:00Z", rows[1][0])
	assert.Equal(t, "2.0", rows[1][1])
	assert.Equal(t, "0", rows[1][2])
	assert.Equal(t, "10.123", rows[1][3])
	assert.Equal(t, "200", rows[2][2])
}

func TestCSVSinkBadPath(t *testing.T) {
	_, err := run.NewCSVSink("/nonexistent/dir/discharge.csv")
	require.Error(t, err)
}

func TestDiscardSink(t *testing.T) {
	sink := run.DiscardSink()
	require.NoError(t, sink.Append(run.Record{Row: 1}))
	require.NoError(t, sink.Close())
}
