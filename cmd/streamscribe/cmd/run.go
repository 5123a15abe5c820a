package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamscribe/streamscribe/internal/chunker"
	"github.com/streamscribe/streamscribe/internal/chunkqueue"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/ffmpeg"
	"github.com/streamscribe/streamscribe/internal/health"
	"github.com/streamscribe/streamscribe/internal/httpclient"
	"github.com/streamscribe/streamscribe/internal/observability"
	"github.com/streamscribe/streamscribe/internal/relay"
	"github.com/streamscribe/streamscribe/internal/startup"
	"github.com/streamscribe/streamscribe/internal/status"
	"github.com/streamscribe/streamscribe/internal/store"
	"github.com/streamscribe/streamscribe/internal/transcribe"
	"github.com/streamscribe/streamscribe/internal/uploader"
	"github.com/streamscribe/streamscribe/internal/version"
	"github.com/streamscribe/streamscribe/internal/watcher"
	"github.com/streamscribe/streamscribe/internal/ytdlp"
)

// Queued chunks are still transcribed after shutdown is requested; this
// bounds how long that drain may take.
const transcriberDrainTimeout = 30 * time.Second

// uploadFlushTimeout bounds the final media upload flush on shutdown.
const uploadFlushTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run the transcription worker",
	Long: `Run the worker: watch all configured streamers, ingest live
streams, transcribe them, and publish transcript lines to the relay.

The optional positional argument is the config file path and takes
precedence over --config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runWorker(_ *cobra.Command, args []string) error {
	if len(args) == 1 {
		cfgFile = args[0]
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)
	logger.Info("starting",
		slog.String("version", version.Version),
		slog.Int("streamers", len(cfg.ActiveStreamers())),
		slog.Bool("relay", cfg.Server.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ffmpegRunner := ffmpeg.NewRunner(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	if err := ffmpegRunner.Verify(ctx); err != nil {
		return fmt.Errorf("verifying ffmpeg: %w", err)
	}

	relayClient := relay.New(cfg.Server.URL, cfg.Server.APIKey, newRelayHTTPClient(cfg, logger), logger)

	uploadQueue := uploader.NewQueue(logger)
	st, err := store.New(store.Options{
		BaseDir:        cfg.Storage.BaseDir,
		RelayEnabled:   cfg.Server.Enabled,
		Publisher:      relayClient,
		Queue:          uploadQueue,
		ArchiveEnabled: cfg.Archive.Enabled,
		ArchiveKeep:    cfg.Archive.Retention,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	keys := cfg.Keys()
	for _, key := range keys {
		if err := st.CreatePaths(key); err != nil {
			return fmt.Errorf("creating key directories: %w", err)
		}
	}

	startup.CleanupMergedArtifacts(logger, st.Paths(), keys)
	if recovered := uploader.Recover(uploadQueue, st.Paths(), keys, logger); recovered > 0 {
		logger.Info("recovered pending media uploads", slog.Int("count", recovered))
	}

	chunkQueue := chunkqueue.New(logger)

	transcriber := transcribe.New(transcribe.Options{
		Queue: chunkQueue,
		Store: st,
		Factory: func() (transcribe.Engine, error) {
			return transcribe.NewWhisperEngine(transcribe.WhisperOptions{
				ModelPath:    transcribe.ModelFile(cfg.Transcription.Model),
				VADModelPath: cfg.Transcription.VADModel,
			}, ffmpegRunner), nil
		},
		Logger: logger,
	})

	uploadWorker := uploader.NewWorker(uploadQueue, relayClient, cfg.Server.Enabled, logger)

	supervisor := watcher.New(watcher.Options{
		Config: cfg,
		Prober: ytdlp.NewProber(cfg.Downloader.Path, logger),
		Store:  st,
		Chunkers: chunker.Options{
			Queue:             chunkQueue,
			Paths:             st.Paths(),
			FFmpeg:            ffmpegRunner,
			DownloaderPath:    cfg.Downloader.Path,
			BufferSizeSeconds: cfg.Server.BufferSizeSeconds,
			Logger:            logger,
		},
		Logger: logger,
	})

	reporter := status.New(cfg, st, relayClient, logger)
	if err := reporter.Start(); err != nil {
		return fmt.Errorf("starting status reporter: %w", err)
	}
	defer reporter.Stop()

	healthServer := health.New(cfg, st, health.Depths{
		ChunkQueue:  chunkQueue.Size,
		UploadQueue: uploadQueue.Size,
	}, logger)
	healthServer.Start()

	transcriberDone := make(chan struct{})
	go func() {
		defer close(transcriberDone)
		if err := transcriber.Run(ctx); err != nil {
			logger.Error("transcriber failed", slog.Any("error", err))
		}
	}()

	uploadCtx, cancelUploads := context.WithCancel(context.Background())
	defer cancelUploads()
	uploadDone := make(chan struct{})
	go func() {
		defer close(uploadDone)
		if err := uploadWorker.Run(uploadCtx); err != nil {
			logger.Error("upload worker failed", slog.Any("error", err))
		}
	}()

	// Blocks until every watcher has returned after a shutdown signal.
	if err := supervisor.Run(ctx); err != nil {
		logger.Error("watcher supervisor failed", slog.Any("error", err))
	}

	logger.Info("shutting down")

	// No watcher is left to produce chunks; let the transcriber drain.
	transcriber.WorkersFinished()
	select {
	case <-transcriberDone:
	case <-time.After(transcriberDrainTimeout):
		logger.Warn("transcriber did not drain in time, abandoning queued chunks",
			slog.Int("remaining", chunkQueue.Size()))
	}

	if !uploadQueue.WaitForUploads(uploadFlushTimeout) {
		logger.Warn("pending media uploads left on disk for next start",
			slog.Int("remaining", uploadQueue.Size()))
	}
	cancelUploads()
	<-uploadDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutting down health server", slog.Any("error", err))
	}

	logger.Info("stopped")
	return nil
}

// newRelayHTTPClient builds the HTTP client every relay call goes
// through. Retries are kept off because the publication protocol has
// its own recovery: a missed line surfaces as a 409 and triggers a
// full state resync.
func newRelayHTTPClient(cfg *config.Config, logger *slog.Logger) *httpclient.Client {
	hcCfg := httpclient.DefaultConfig()
	hcCfg.Timeout = cfg.Server.Timeout
	hcCfg.RetryAttempts = 0
	hcCfg.Logger = logger
	return httpclient.New(hcCfg)
}
