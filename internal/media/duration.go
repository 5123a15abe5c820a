// Package media measures the playable duration of MPEG-TS payloads.
//
// Chunkers use these measurements to decide when a buffered slice is
// long enough to emit. The precise path demuxes the TS container and
// counts AAC access units (1024 samples each); when no usable audio
// track exists it falls back to the video PTS span, then to the PTS
// span across all tracks.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

const (
	ptsClockHz      = 90000
	aacSamplesPerAU = 1024
	defaultAACRate  = 48000
)

// ptsSpan tracks the minimum and maximum PTS seen on a set of tracks.
type ptsSpan struct {
	min  int64
	max  int64
	seen bool
}

func (s *ptsSpan) record(pts int64) {
	if !s.seen {
		s.min, s.max, s.seen = pts, pts, true
		return
	}
	if pts < s.min {
		s.min = pts
	}
	if pts > s.max {
		s.max = pts
	}
}

func (s *ptsSpan) seconds() float64 {
	if !s.seen {
		return 0
	}
	return float64(s.max-s.min) / ptsClockHz
}

// Duration measures the duration of an MPEG-TS payload in seconds.
//
// AAC audio gives an exact answer: every access unit carries 1024
// samples, so duration = aus × 1024 / sampleRate regardless of PTS
// jitter. Without AAC the video PTS span is used, then the span across
// every track. Returns 0 for payloads with no timed data.
func Duration(data []byte) (float64, error) {
	reader := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := reader.Initialize(); err != nil {
		return 0, fmt.Errorf("initializing mpegts reader: %w", err)
	}
	reader.OnDecodeError(func(error) {})

	var (
		audioAUs  int
		audioRate int
		video     ptsSpan
		overall   ptsSpan
	)

	for _, track := range reader.Tracks() {
		switch codec := track.Codec.(type) {
		case *mpegts.CodecMPEG4Audio:
			rate := codec.Config.SampleRate
			if rate <= 0 {
				rate = defaultAACRate
			}
			audioRate = rate
			reader.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
				audioAUs += len(aus)
				overall.record(pts)
				return nil
			})

		case *mpegts.CodecH264:
			reader.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
				video.record(pts)
				overall.record(pts)
				return nil
			})

		case *mpegts.CodecH265:
			reader.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
				video.record(pts)
				overall.record(pts)
				return nil
			})

		case *mpegts.CodecAC3:
			reader.OnDataAC3(track, func(pts int64, frame []byte) error {
				overall.record(pts)
				return nil
			})

		case *mpegts.CodecMPEG1Audio:
			reader.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
				overall.record(pts)
				return nil
			})

		case *mpegts.CodecOpus:
			reader.OnDataOpus(track, func(pts int64, packets [][]byte) error {
				overall.record(pts)
				return nil
			})
		}
	}

	for {
		if err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			// Truncated chunk tails are normal; use what was decoded.
			break
		}
	}

	if audioAUs > 0 {
		return float64(audioAUs) * aacSamplesPerAU / float64(audioRate), nil
	}
	if video.seen {
		return video.seconds(), nil
	}
	return overall.seconds(), nil
}

// EstimateDuration returns a fast PTS-span estimate of an MPEG-TS
// payload's duration in seconds. It walks PES headers only, without
// decoding elementary streams, so it is cheap enough to run on every
// slicer poll.
func EstimateDuration(ctx context.Context, data []byte) (float64, error) {
	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data))

	var span ptsSpan
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if span.seen {
				break
			}
			return 0, fmt.Errorf("demuxing transport stream: %w", err)
		}
		if d.PES == nil || d.PES.Header == nil || d.PES.Header.OptionalHeader == nil {
			continue
		}
		if pts := d.PES.Header.OptionalHeader.PTS; pts != nil {
			span.record(pts.Base)
		}
	}

	return span.seconds(), nil
}
