package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Frames = 40
	cfg.Latency = Duration(200 * time.Microsecond)
	cfg.TextureSize = 16
	return cfg
}

func TestRun(t *testing.T) {
	report, err := run(context.Background(), testConfig(), quiet())
	require.NoError(t, err)

	assert.Equal(t, 40, report.Frames)
	assert.Equal(t, uint64(40), report.Stats.Frames)
	assert.Zero(t, report.Rebuilds)
	assert.Empty(t, report.Violations)
	assert.LessOrEqual(t, report.MaxOutstanding, 2)
	assert.Zero(t, report.Stats.ImageWaits)
	assert.LessOrEqual(t, report.Frame.Min, report.Frame.P50)
	assert.LessOrEqual(t, report.Frame.P50, report.Frame.Max)
	assert.Positive(t, report.Elapsed)
}

func TestRunStaleSurface(t *testing.T) {
	cfg := testConfig()
	cfg.StaleEvery = 10

	report, err := run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, 40, report.Frames)
	assert.Equal(t, 3, report.Rebuilds)
	assert.Equal(t, uint64(3), report.Stats.StaleSurfaces)
	assert.Empty(t, report.Violations)
}

func TestRunImageReuse(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireOrder = []int{0, 0, 1, 1, 2, 2}
	cfg.TextureSize = 0

	report, err := run(context.Background(), cfg, quiet())
	require.NoError(t, err)
	assert.Equal(t, 40, report.Frames)
	assert.Positive(t, report.Stats.ImageWaits)
	assert.Empty(t, report.Violations)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := run(ctx, testConfig(), quiet())
	require.ErrorIs(t, err, context.Canceled)
}

func TestMainErrPrintsReport(t *testing.T) {
	var out bytes.Buffer
	err := mainErr([]string{"-frames", "5", "-texture", "0", "-latency", "0s", "-log", "error"}, &out, io.Discard)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "frames            5")
	assert.Contains(t, out.String(), "violations        0")
}
