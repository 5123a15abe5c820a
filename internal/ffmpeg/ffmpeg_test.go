package ffmpeg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunner_Defaults(t *testing.T) {
	r := NewRunner("", "")
	assert.Equal(t, "ffmpeg", r.FFmpegPath)
	assert.Equal(t, "ffprobe", r.FFprobePath)

	r = NewRunner("/opt/ffmpeg", "/opt/ffprobe")
	assert.Equal(t, "/opt/ffmpeg", r.FFmpegPath)
}

func TestProbeResult_StreamTypes(t *testing.T) {
	raw := `{
		"format": {"format_name": "mpegts", "duration": "6.02"},
		"streams": [
			{"index": 0, "codec_name": "h264", "codec_type": "video"},
			{"index": 1, "codec_name": "aac", "codec_type": "audio", "sample_rate": "44100", "channels": 2}
		]
	}`

	var result ProbeResult
	require.NoError(t, json.Unmarshal([]byte(raw), &result))

	assert.True(t, result.HasAudio())
	assert.True(t, result.HasVideo())
	assert.Equal(t, "mpegts", result.Format.FormatName)
	assert.Equal(t, "44100", result.Streams[1].SampleRate)
}

func TestProbeResult_AudioOnly(t *testing.T) {
	result := ProbeResult{Streams: []ProbeStream{{CodecType: "audio", CodecName: "aac"}}}
	assert.True(t, result.HasAudio())
	assert.False(t, result.HasVideo())
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "error one", firstLine("error one\nerror two\n"))
	assert.Equal(t, "single", firstLine("  single  "))
	assert.Equal(t, "", firstLine(""))
}
