package chunker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/observability"
	"github.com/streamscribe/streamscribe/internal/ytdlp"
)

// FixedBitrate slices a continuous MPEG-TS stream by byte count at an
// assumed provider bitrate. Simple and ad-resilient, which Twitch
// requires, at the cost of timestamp drift proportional to how far the
// true bitrate is from the assumed one.
type FixedBitrate struct {
	opts   Options
	logger *slog.Logger

	// now is swapped in tests.
	now func() float64
}

// NewFixedBitrate builds the byte-count slicing strategy.
func NewFixedBitrate(opts Options) *FixedBitrate {
	return &FixedBitrate{
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "chunker.fixedbitrate"),
		now:    unixNow,
	}
}

// sampleRateFor returns the assumed byte rate of the audio stream the
// downloader serves for this URL.
func sampleRateFor(url string) int {
	if ytdlp.IsTwitch(url) {
		return rateTwitchAudio
	}
	return rateYouTubeAudio
}

// Run downloads the stream to stdout and slices it until the stream
// ends or the context is cancelled.
func (f *FixedBitrate) Run(ctx context.Context, stream Stream) error {
	logger := observability.WithKey(f.logger, stream.Key)
	logger.Info("starting download")

	proc := ytdlp.NewStreamProcess(ctx, f.opts.DownloaderPath, stream.URL, ytdlp.FormatBestAudio)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting downloader: %w", err)
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go ytdlp.MonitorProcess(monitorCtx, proc.PID(), stream.Key, f.opts.Logger)

	f.slice(ctx, stream, proc.Stdout(), sampleRateFor(stream.URL))

	proc.Stop()
	if err := proc.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("downloader exited with an error",
			slog.Any("error", err),
			slog.String("stderr", proc.StderrTail()))
	} else {
		logger.Info("downloader finished")
	}
	return nil
}

// slice reads the stream and emits one chunk per chunkSize bytes plus a
// final residual chunk if enough remains at end of stream.
func (f *FixedBitrate) slice(ctx context.Context, stream Stream, r io.Reader, rate int) {
	logger := observability.WithKey(f.logger, stream.Key)
	session := uuid.New()
	chunkSize := f.opts.BufferSizeSeconds * rate

	buffer := make([]byte, 0, chunkSize+readSize)
	read := make([]byte, readSize)
	audioStart := f.now() - liveLatencySeconds

	for ctx.Err() == nil {
		n, err := r.Read(read)
		// Once the buffer is cut, the current time is when the next
		// buffer starts.
		nextStart := f.now() - liveLatencySeconds
		if n > 0 {
			buffer = append(buffer, read[:n]...)
		}
		if err != nil {
			if err != io.EOF {
				logger.Warn("reading downloader output", slog.Any("error", err))
			}
			break
		}
		if len(buffer) < chunkSize {
			continue
		}

		f.emit(stream, session, buffer, audioStart, rate)
		audioStart = nextStart
		buffer = buffer[:0]
	}

	if len(buffer) >= minResidualBytes {
		logger.Debug("emitting final chunk", slog.Int("bytes", len(buffer)))
		f.emit(stream, session, buffer, audioStart, rate)
	}
}

func (f *FixedBitrate) emit(stream Stream, session uuid.UUID, buffer []byte, start float64, rate int) {
	data := make([]byte, len(buffer))
	copy(data, buffer)
	chunk := models.NewChunk(stream.Key, session, data, start, float64(len(data))/float64(rate))
	chunk.MediaType = string(stream.MediaType)
	f.opts.Queue.Enqueue(chunk)
}
