// Package chunker turns a live stream into fixed-duration media chunks.
// Three strategies exist, traded off between simplicity and timestamp
// accuracy: byte-count slicing at an assumed bitrate, wall-clock slicing
// of a buffered container, and fragment-accurate DASH assembly. The
// strategy is picked from the stream URL host.
package chunker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/streamscribe/streamscribe/internal/chunkqueue"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/ffmpeg"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/store"
	"github.com/streamscribe/streamscribe/internal/ytdlp"
)

const (
	// readSize is how much is pulled from the downloader stdout per read.
	readSize = 4096

	// minResidualBytes is the smallest leftover buffer worth emitting
	// when a stream ends. Anything smaller is container noise.
	minResidualBytes = readSize

	// minBufferBytes is the smallest buffer the time-based slicer will
	// even probe for duration.
	minBufferBytes = 8192

	// liveLatencySeconds offsets the first chunk's start backwards to
	// account for the delay between capture and delivery.
	liveLatencySeconds = 1

	pollInterval = time.Second
)

// Empirical byte rates of the audio streams each provider serves. Only
// the byte-count slicer depends on these.
const (
	rateYouTubeAudio  = 20_000
	rateYouTubeVideo  = 1_028_571
	rateTwitchAudio   = 25_540
	rateTwitchSLAudio = 30_117
)

// Stream describes one live stream a chunker works on.
type Stream struct {
	Key       string
	URL       string
	Info      models.StreamInfo
	MediaType config.MediaType
}

// Chunker ingests one live stream and emits chunks onto the shared queue
// until the stream ends, the context is cancelled or an unrecoverable
// error occurs.
type Chunker interface {
	Run(ctx context.Context, stream Stream) error
}

// Options carries the shared wiring every chunking strategy needs.
type Options struct {
	Queue             *chunkqueue.Queue
	Paths             store.Paths
	FFmpeg            *ffmpeg.Runner
	DownloaderPath    string
	BufferSizeSeconds int
	Logger            *slog.Logger
}

// Select picks the chunking strategy for a stream URL. Twitch only works
// with byte-count slicing, YouTube supports fragment downloads, anything
// else gets the container-probing middle ground.
func Select(opts Options, url string) Chunker {
	switch {
	case ytdlp.IsTwitch(url):
		return NewFixedBitrate(opts)
	case isYouTube(url):
		return NewDash(opts)
	default:
		return NewBuffered(opts)
	}
}

func isYouTube(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be")
}

// unixNow is the current wall clock in fractional unix seconds.
func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
