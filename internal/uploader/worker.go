package uploader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/store"
)

// mediaFilePattern matches queued payload files: media_<lineId>.bin.
var mediaFilePattern = regexp.MustCompile(`^media_(\d+)\.bin$`)

// MediaPoster is the relay surface the worker delivers through.
// *relay.Client satisfies it.
type MediaPoster interface {
	UploadMedia(ctx context.Context, key string, lineID int64, path string) error
}

// Worker consumes the upload queue and posts each payload to the relay.
// Delivery is at-most-once per record: the file is deleted after the
// attempt regardless of outcome, the transcript line being the system
// of record.
type Worker struct {
	queue        *Queue
	relay        MediaPoster
	relayEnabled bool
	logger       *slog.Logger
}

// NewWorker creates the delivery worker.
func NewWorker(queue *Queue, relay MediaPoster, relayEnabled bool, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        queue,
		relay:        relay,
		relayEnabled: relayEnabled,
		logger:       logger,
	}
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		upload, ok := w.queue.dequeue(time.Second)
		if !ok {
			continue
		}
		w.deliver(ctx, upload)
	}
}

// deliver posts one payload and removes its file.
func (w *Worker) deliver(ctx context.Context, upload models.MediaUpload) {
	defer func() {
		if err := os.Remove(upload.Path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove uploaded media file",
				slog.String("path", upload.Path), slog.String("error", err.Error()))
		}
	}()

	if !w.relayEnabled {
		return
	}
	if _, err := os.Stat(upload.Path); err != nil {
		return
	}

	if err := w.relay.UploadMedia(ctx, upload.Key, upload.LineID, upload.Path); err != nil {
		w.logger.Warn("media upload failed",
			slog.String("key", upload.Key),
			slog.Int64("line_id", upload.LineID),
			slog.String("error", err.Error()))
	}
}

// Recover scans each key's queue directory and re-enqueues leftover
// payloads from a previous run. Files are ordered by line id within a
// key, then interleaved round-robin across keys so one key's backlog
// cannot monopolize the head of the queue.
func Recover(queue *Queue, paths store.Paths, keys []string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	perKey := make(map[string][]models.MediaUpload)
	sortedKeys := append([]string(nil), keys...)
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		entries, err := os.ReadDir(paths.QueueDir(key))
		if err != nil {
			continue
		}

		var uploads []models.MediaUpload
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			m := mediaFilePattern.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			lineID, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			uploads = append(uploads, models.MediaUpload{
				Key:    key,
				LineID: lineID,
				Path:   filepath.Join(paths.QueueDir(key), entry.Name()),
			})
		}

		sort.Slice(uploads, func(i, j int) bool { return uploads[i].LineID < uploads[j].LineID })
		if len(uploads) > 0 {
			perKey[key] = uploads
		}
	}

	recovered := 0
	for i := 0; ; i++ {
		progressed := false
		for _, key := range sortedKeys {
			uploads := perKey[key]
			if i < len(uploads) {
				queue.Enqueue(uploads[i])
				recovered++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	if recovered > 0 {
		logger.Info("recovered queued media from previous run", slog.Int("count", recovered))
	}
	return recovered
}
