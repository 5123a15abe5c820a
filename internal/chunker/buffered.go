package chunker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamscribe/streamscribe/internal/media"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/observability"
	"github.com/streamscribe/streamscribe/internal/ytdlp"
)

// Buffered slices a continuous stream by the wall-clock duration of the
// buffered container rather than byte count, so variable bitrate and
// mixed audio/video both work. It cannot tell injected ads apart from
// programme media.
type Buffered struct {
	opts   Options
	logger *slog.Logger

	// estimate measures the media duration of a buffer. Swapped in tests.
	estimate func(ctx context.Context, data []byte) (float64, error)

	now  func() float64
	poll time.Duration
}

// NewBuffered builds the time-based slicing strategy.
func NewBuffered(opts Options) *Buffered {
	return &Buffered{
		opts:     opts,
		logger:   observability.WithComponent(opts.Logger, "chunker.buffered"),
		estimate: media.EstimateDuration,
		now:      unixNow,
		poll:     pollInterval,
	}
}

// Run downloads the stream to stdout and slices it until the stream
// ends or the context is cancelled.
func (b *Buffered) Run(ctx context.Context, stream Stream) error {
	logger := observability.WithKey(b.logger, stream.Key)
	logger.Info("starting download")

	proc := ytdlp.NewStreamProcess(ctx, b.opts.DownloaderPath, stream.URL, ytdlp.FormatBest)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting downloader: %w", err)
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go ytdlp.MonitorProcess(monitorCtx, proc.PID(), stream.Key, b.opts.Logger)

	b.slice(ctx, stream, proc.Stdout())

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

// slice runs the downloader reader in a goroutine against a shared
// buffer and cuts the buffer whenever it holds enough media.
func (b *Buffered) slice(ctx context.Context, stream Stream, r io.Reader) {
	logger := observability.WithKey(b.logger, stream.Key)
	session := uuid.New()

	var (
		mu     sync.Mutex
		buffer []byte
	)
	downloadDone := make(chan struct{})

	go func() {
		defer close(downloadDone)
		read := make([]byte, readSize)
		for ctx.Err() == nil {
			n, err := r.Read(read)
			if n > 0 {
				mu.Lock()
				buffer = append(buffer, read[:n]...)
				mu.Unlock()
			}
			if err != nil {
				if err != io.EOF {
					logger.Warn("reading downloader output", slog.Any("error", err))
				}
				return
			}
		}
	}()

	audioStart := b.now() - liveLatencySeconds
	target := float64(b.opts.BufferSizeSeconds)

	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(stream, session, &mu, &buffer, audioStart)
			<-downloadDone
			return
		case <-downloadDone:
			b.flush(stream, session, &mu, &buffer, audioStart)
			return
		case <-ticker.C:
		}

		mu.Lock()
		nextStart := b.now() - liveLatencySeconds
		if len(buffer) < minBufferBytes {
			mu.Unlock()
			continue
		}
		snapshot := make([]byte, len(buffer))
		copy(snapshot, buffer)
		mu.Unlock()

		duration, err := b.estimate(ctx, snapshot)
		if err != nil {
			logger.Debug("probing buffer duration", slog.Any("error", err))
			continue
		}
		logger.Debug("buffer state",
			slog.Int("bytes", len(snapshot)),
			slog.Float64("duration", duration))
		if duration < target {
			continue
		}

		// The snapshot is the chunk. Anything appended while probing
		// belongs to the next chunk, so only the probed prefix is cut.
		mu.Lock()
		buffer = buffer[len(snapshot):]
		mu.Unlock()

		chunk := models.NewChunk(stream.Key, session, snapshot, audioStart, duration)
		chunk.MediaType = string(stream.MediaType)
		b.opts.Queue.Enqueue(chunk)
		audioStart = nextStart
	}
}

// flush emits whatever remains in the buffer when the stream ends,
// provided it is big enough to hold decodable media.
func (b *Buffered) flush(stream Stream, session uuid.UUID, mu *sync.Mutex, buffer *[]byte, audioStart float64) {
	mu.Lock()
	defer mu.Unlock()
	if len(*buffer) < minBufferBytes {
		return
	}
	data := make([]byte, len(*buffer))
	copy(data, *buffer)
	*buffer = (*buffer)[:0]

	chunk := models.NewChunk(stream.Key, session, data, audioStart, 0)
	chunk.MediaType = string(stream.MediaType)
	b.opts.Queue.Enqueue(chunk)
}
