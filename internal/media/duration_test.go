package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamscribe/streamscribe/internal/testutil"
)

func TestDuration_AACSampleCounting(t *testing.T) {
	data := testutil.AudioTS(t, 48000, 6.0)

	d, err := Duration(data)
	require.NoError(t, err)
	// AU granularity is 1024/48000s, so allow one AU of slack.
	assert.InDelta(t, 6.0, d, 0.05)
}

func TestDuration_AACAtOtherSampleRate(t *testing.T) {
	data := testutil.AudioTS(t, 44100, 3.0)

	d, err := Duration(data)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, d, 0.05)
}

func TestDuration_VideoPTSSpanFallback(t *testing.T) {
	data := testutil.VideoTS(t, 4.0)

	d, err := Duration(data)
	require.NoError(t, err)
	// Span excludes the final frame's own duration.
	assert.InDelta(t, 4.0, d, 0.1)
}

func TestDuration_GarbageInput(t *testing.T) {
	_, err := Duration([]byte("definitely not a transport stream"))
	assert.Error(t, err)
}

func TestEstimateDuration_AudioStream(t *testing.T) {
	data := testutil.AudioTS(t, 48000, 6.0)

	d, err := EstimateDuration(context.Background(), data)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, d, 0.2)
}

func TestEstimateDuration_VideoStream(t *testing.T) {
	data := testutil.VideoTS(t, 2.0)

	d, err := EstimateDuration(context.Background(), data)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d, 0.2)
}

func TestEstimateDuration_TruncatedPayloadStillEstimates(t *testing.T) {
	data := testutil.AudioTS(t, 48000, 6.0)
	truncated := data[:len(data)-len(data)/4]

	d, err := EstimateDuration(context.Background(), truncated)
	require.NoError(t, err)
	assert.Greater(t, d, 3.0)
}
