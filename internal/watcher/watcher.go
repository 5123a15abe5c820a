// Package watcher supervises one liveness loop per configured streamer.
// When a stream goes live the watcher activates it in the store, runs
// the chunking strategy for its URL until the stream ends, then
// deactivates and goes back to probing.
package watcher

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamscribe/streamscribe/internal/chunker"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/observability"
	"github.com/streamscribe/streamscribe/internal/ytdlp"
)

// startStagger spaces out watcher starts so the probe subprocesses do
// not all fire at once.
const startStagger = 1200 * time.Millisecond

// deactivateTimeout bounds the final offline notification on shutdown.
const deactivateTimeout = 5 * time.Second

// Prober fetches live stream metadata for a URL. A nil result with a
// nil error means the stream is offline.
type Prober interface {
	Probe(ctx context.Context, url string) (*models.StreamInfo, error)
}

// Store receives stream lifecycle transitions.
type Store interface {
	Activate(ctx context.Context, key string, info models.StreamInfo, mediaType string) error
	Deactivate(ctx context.Context, key, streamID string) error
}

// Options configures a Supervisor.
type Options struct {
	Config   *config.Config
	Prober   Prober
	Store    Store
	Chunkers chunker.Options
	Logger   *slog.Logger
}

// Supervisor runs one watcher goroutine per active streamer.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	// Swapped in tests.
	selectChunker func(opts chunker.Options, url string) chunker.Chunker
	jitter        func() time.Duration
	stagger       time.Duration
}

// New builds a Supervisor for the configured streamers.
func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:          opts,
		logger:        observability.WithComponent(opts.Logger, "watcher"),
		selectChunker: chunker.Select,
		jitter:        randomJitter,
		stagger:       startStagger,
	}
}

// randomJitter desynchronises probe schedules across keys.
func randomJitter() time.Duration {
	return time.Duration(rand.IntN(16)-5) * time.Second
}

// Run starts all watchers, staggered, and blocks until every watcher
// has returned after cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	streamers := s.opts.Config.ActiveStreamers()
	if len(streamers) == 0 {
		s.logger.Warn("no active streamers configured")
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, streamer := range streamers {
		g.Go(func() error {
			return s.watch(ctx, streamer)
		})
		select {
		case <-ctx.Done():
		case <-time.After(s.stagger):
		}
	}
	return g.Wait()
}

// watch is one streamer's liveness loop. It probes each URL in order;
// the first live one is ingested to completion before probing resumes.
func (s *Supervisor) watch(ctx context.Context, streamer config.StreamerConfig) error {
	logger := observability.WithKey(s.logger, streamer.Key)
	logger.Info("starting")

	lastStreamID := ""
	for ctx.Err() == nil {
		for _, url := range streamer.URLs {
			if ctx.Err() != nil {
				break
			}

			info, err := s.opts.Prober.Probe(ctx, url)
			if err != nil {
				logger.Warn("probing stream", slog.Any("error", err))
				continue
			}
			if info == nil {
				continue
			}
			if s.opts.Config.Blacklisted(info.ID) {
				logger.Debug("stream is blacklisted", slog.String("stream_id", info.ID))
				continue
			}

			mediaType := effectiveMediaType(url, streamer.MediaType)
			logger.Info("stream started",
				slog.String("title", info.Title),
				slog.String("stream_id", info.ID),
				slog.Int64("start_time", info.StartTime),
				slog.String("media_type", string(mediaType)))

			if err := s.opts.Store.Activate(ctx, streamer.Key, *info, string(mediaType)); err != nil {
				logger.Error("activating stream", slog.Any("error", err))
				continue
			}
			lastStreamID = info.ID

			stream := chunker.Stream{
				Key:       streamer.Key,
				URL:       url,
				Info:      *info,
				MediaType: mediaType,
			}
			if err := s.selectChunker(s.opts.Chunkers, url).Run(ctx, stream); err != nil {
				logger.Error("ingesting stream", slog.Any("error", err))
			}

			if err := s.deactivate(ctx, streamer.Key, info.ID); err != nil {
				logger.Error("deactivating stream", slog.Any("error", err))
			}
		}

		delay := time.Duration(s.opts.Config.Server.SecondsBetweenChannelRetry)*time.Second + s.jitter()
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	logger.Info("stopping, marking last stream offline",
		slog.String("stream_id", lastStreamID))
	if err := s.deactivate(ctx, streamer.Key, lastStreamID); err != nil {
		logger.Error("deactivating stream", slog.Any("error", err))
	}
	return nil
}

// deactivate must still reach the relay while the run context is
// already cancelled during shutdown.
func (s *Supervisor) deactivate(ctx context.Context, key, streamID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deactivateTimeout)
	defer cancel()
	return s.opts.Store.Deactivate(ctx, key, streamID)
}

// effectiveMediaType resolves the media type for a stream URL. Twitch
// streams never ship video because the platform has its own clipping,
// so a video configuration downgrades to audio there.
func effectiveMediaType(url string, configured config.MediaType) config.MediaType {
	if !configured.Valid() {
		configured = config.MediaNone
	}
	if ytdlp.IsTwitch(url) && configured == config.MediaVideo {
		return config.MediaAudio
	}
	return configured
}
