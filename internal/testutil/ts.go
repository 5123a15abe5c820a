// Package testutil generates MPEG-TS fixtures for pipeline tests.
package testutil

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/require"
)

const (
	audioPID = 257
	videoPID = 256
)

// AACTrack returns an AAC-LC track with the given sample rate.
func AACTrack(sampleRate int) *mpegts.Track {
	return &mpegts.Track{
		PID: audioPID,
		Codec: &mpegts.CodecMPEG4Audio{
			Config: mpeg4audio.Config{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   sampleRate,
				ChannelCount: 2,
			},
		},
	}
}

// AudioTS builds a transport stream holding seconds worth of AAC access
// units at the given sample rate. Each AU covers 1024 samples, so the
// resulting payload has a precisely known duration.
func AudioTS(t *testing.T, sampleRate int, seconds float64) []byte {
	t.Helper()

	track := AACTrack(sampleRate)
	var buf bytes.Buffer
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())

	auCount := int(seconds * float64(sampleRate) / 1024)
	auDuration := int64(1024) * 90000 / int64(sampleRate)
	au := bytes.Repeat([]byte{0x21}, 64)

	for i := 0; i < auCount; i++ {
		pts := int64(i) * auDuration
		require.NoError(t, w.WriteMPEG4Audio(track, pts, [][]byte{au}))
	}
	return buf.Bytes()
}

// VideoTS builds a video-only transport stream spanning roughly seconds
// of H.264 frames at 30 fps. Frame payloads are synthetic IDR slices;
// only container timing matters to the consumers under test.
func VideoTS(t *testing.T, seconds float64) []byte {
	t.Helper()

	track := &mpegts.Track{PID: videoPID, Codec: &mpegts.CodecH264{}}
	var buf bytes.Buffer
	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{track}}
	require.NoError(t, w.Initialize())

	const fps = 30
	frames := int(seconds * fps)
	frameDuration := int64(90000 / fps)
	// Type 5 (IDR) NAL so every frame is a random access point.
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0x88}, 32)...)

	for i := 0; i < frames; i++ {
		pts := int64(i) * frameDuration
		require.NoError(t, w.WriteH264(track, pts, pts, [][]byte{idr}))
	}
	return buf.Bytes()
}
