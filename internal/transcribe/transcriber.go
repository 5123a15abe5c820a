package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/streamscribe/streamscribe/internal/chunkqueue"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/observability"
)

const (
	// defaultIdleUnload is how long the queue stays empty before the
	// engine is released. Reloading is cheap next to model memory held
	// across hours of offline channels.
	defaultIdleUnload = 10 * time.Minute

	defaultDequeueTimeout = 500 * time.Millisecond

	// minChunkDuration filters chunks whose decoded audio is too short
	// to carry speech. Fixed bitrate streams produce these while ads
	// replace the feed.
	minChunkDuration = 0.5
)

// LineStore receives finished transcript lines together with the raw
// media that produced them.
type LineStore interface {
	AddNewLine(ctx context.Context, key string, line models.TranscriptLine, raw []byte) (models.TranscriptLine, error)
}

// Options configures a Transcriber.
type Options struct {
	Queue   *chunkqueue.Queue
	Store   LineStore
	Factory EngineFactory
	Logger  *slog.Logger

	// IdleUnload overrides the engine idle release period (0 = default).
	IdleUnload time.Duration

	// DequeueTimeout overrides the queue poll timeout (0 = default).
	DequeueTimeout time.Duration
}

// Transcriber is the single consumer of the chunk queue. It transcribes
// chunks in arrival order and hands one transcript line per chunk to the
// store. There is exactly one Transcriber per process so line ids stay
// dense and ordered.
type Transcriber struct {
	queue          *chunkqueue.Queue
	store          LineStore
	factory        EngineFactory
	logger         *slog.Logger
	idleUnload     time.Duration
	dequeueTimeout time.Duration

	engine      Engine
	workersDone atomic.Bool
}

// New builds a Transcriber. The engine itself is not loaded until the
// first chunk arrives.
func New(opts Options) *Transcriber {
	if opts.IdleUnload <= 0 {
		opts.IdleUnload = defaultIdleUnload
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = defaultDequeueTimeout
	}
	return &Transcriber{
		queue:          opts.Queue,
		store:          opts.Store,
		factory:        opts.Factory,
		logger:         observability.WithComponent(opts.Logger, "transcriber"),
		idleUnload:     opts.IdleUnload,
		dequeueTimeout: opts.DequeueTimeout,
	}
}

// WorkersFinished tells the transcriber no producer will enqueue again.
// Together with a cancelled context and an empty queue it lets Run drain
// and return instead of waiting for more chunks.
func (t *Transcriber) WorkersFinished() {
	t.workersDone.Store(true)
}

// Run consumes the queue until the context is cancelled, the queue is
// empty and WorkersFinished has been called. Chunks still queued at
// shutdown are transcribed before returning, so no captured audio is
// dropped.
func (t *Transcriber) Run(ctx context.Context) error {
	t.logger.Info("starting")
	defer t.unloadEngine()

	// Processing outlives cancellation while the queue drains.
	workCtx := context.WithoutCancel(ctx)

	lastChunk := time.Now()
	for {
		if ctx.Err() != nil && t.queue.Size() == 0 && t.workersDone.Load() {
			t.logger.Info("queue drained, stopping")
			return nil
		}

		chunk, ok := t.queue.Dequeue(t.dequeueTimeout)
		if !ok {
			if t.engine != nil && time.Since(lastChunk) > t.idleUnload {
				t.logger.Info("queue idle, unloading engine",
					slog.Duration("idle", time.Since(lastChunk).Round(time.Second)))
				t.unloadEngine()
			}
			continue
		}
		lastChunk = time.Now()
		t.process(workCtx, chunk)
	}
}

func (t *Transcriber) process(ctx context.Context, chunk models.Chunk) {
	start := time.Now()
	logger := observability.WithKey(t.logger, chunk.Key)

	engine, err := t.ensureEngine()
	if err != nil {
		logger.Error("loading engine", slog.Any("error", err))
		return
	}

	transcriptionStart := time.Now()
	result, err := engine.Transcribe(ctx, chunk.Data)
	transcriptionTime := time.Since(transcriptionStart)
	if err != nil {
		// The engine could not decode the media. Publish an empty line
		// so line ids stay dense and move on.
		logger.Debug("transcription failed", slog.Any("error", err))
		result = &Result{Duration: -1}
	}

	if result.Duration >= 0 && result.Duration < minChunkDuration {
		return
	}

	segments := make([]models.Segment, 0, len(result.Segments))
	for _, seg := range result.Segments {
		segments = append(segments, models.Segment{
			Timestamp: int64(math.Floor(chunk.Start + seg.Start)),
			Text:      Decensor(seg.Text),
		})
	}

	line := models.NewLine(int64(math.Floor(chunk.Start)), segments)

	var raw []byte
	switch config.MediaType(chunk.MediaType) {
	case config.MediaAudio, config.MediaVideo:
		raw = chunk.Data
	}

	if _, err := t.store.AddNewLine(ctx, chunk.Key, line, raw); err != nil {
		logger.Error("storing transcript line", slog.Any("error", err))
		return
	}

	duration := "ERROR"
	if result.Duration >= 0 {
		duration = fmt.Sprintf("%.3f", result.Duration)
	}
	logger.Info("processed chunk",
		slog.String("total_time", fmt.Sprintf("%.3f", time.Since(start).Seconds())),
		slog.String("transcription_time", fmt.Sprintf("%.3f", transcriptionTime.Seconds())),
		slog.String("duration", duration),
		slog.String("media_kib", fmt.Sprintf("%.3f", float64(len(raw))/1024.0)))
}

func (t *Transcriber) ensureEngine() (Engine, error) {
	if t.engine != nil {
		return t.engine, nil
	}
	t.logger.Info("loading engine")
	engine, err := t.factory()
	if err != nil {
		return nil, err
	}
	t.engine = engine
	return engine, nil
}

func (t *Transcriber) unloadEngine() {
	if t.engine == nil {
		return
	}
	if err := t.engine.Close(); err != nil {
		t.logger.Warn("closing engine", slog.Any("error", err))
	}
	t.engine = nil
}
