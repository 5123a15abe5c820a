// Package store persists per-key stream state and transcript lines, and
// drives relay publication. State lives in one sqlite database per key
// so a restart resumes exactly where the process left off.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/relay"
)

// Publisher is the relay surface the store publishes through.
// *relay.Client satisfies it; tests substitute fakes.
type Publisher interface {
	Activate(ctx context.Context, key string, info models.StreamInfo, mediaType string) error
	Deactivate(ctx context.Context, key, streamID string) error
	PostLine(ctx context.Context, key string, line models.TranscriptLine) error
	Sync(ctx context.Context, key string, state relay.KeyStateJSON) error
}

// Queue is the upload queue surface the store enqueues media through.
type Queue interface {
	Enqueue(upload models.MediaUpload)
	DiscardKey(key string)
}

// Options configures a Store.
type Options struct {
	// BaseDir is the root under which tmp/<key>/ state lives.
	BaseDir string

	// RelayEnabled gates all network publication. When false the store
	// appends lines to the per-key transcript text file instead.
	RelayEnabled bool

	// Publisher is required when RelayEnabled is true.
	Publisher Publisher

	// Queue receives media uploads; may be nil when media is never queued.
	Queue Queue

	// ArchiveEnabled rotates the previous stream's transcript text to a
	// compressed archive on new-stream activation (relay disabled only).
	ArchiveEnabled bool

	// ArchiveKeep is how many transcript archives to retain per key.
	ArchiveKeep int

	Logger *slog.Logger
}

// Store owns all per-key state. Operations on a single key are serialised
// by a per-key mutex; different keys proceed independently.
type Store struct {
	opts  Options
	paths Paths

	mu   sync.Mutex
	keys map[string]*keyHandle
}

type keyHandle struct {
	mu sync.Mutex
	db *gorm.DB
}

// New creates a store rooted at opts.BaseDir.
func New(opts Options) (*Store, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("store: base dir is required")
	}
	if opts.RelayEnabled && opts.Publisher == nil {
		return nil, errors.New("store: publisher is required when relay is enabled")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store{
		opts:  opts,
		paths: NewPaths(opts.BaseDir),
		keys:  make(map[string]*keyHandle),
	}, nil
}

// Paths exposes the key path resolver for components that share the
// layout (chunkers, uploader recovery, startup cleanup).
func (s *Store) Paths() Paths {
	return s.paths
}

// CreatePaths ensures the key's state directory, transcript fallback
// file, and upload queue directory exist.
func (s *Store) CreatePaths(key string) error {
	for _, dir := range []string{s.paths.KeyDir(key), s.paths.QueueDir(key), s.paths.FragmentsDir(key)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(s.paths.TranscriptPath(key), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating transcript file: %w", err)
	}
	return f.Close()
}

// handle returns the key's database handle, opening and migrating the
// database on first use.
func (s *Store) handle(key string) (*keyHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.keys[key]; ok {
		return h, nil
	}

	if err := s.CreatePaths(key); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(s.paths.DatabasePath(key)), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening state database for %s: %w", key, err)
	}
	if err := db.AutoMigrate(&models.KeyState{}, &models.TranscriptLine{}); err != nil {
		return nil, fmt.Errorf("migrating state database for %s: %w", key, err)
	}

	h := &keyHandle{db: db}
	s.keys[key] = h
	return h, nil
}

// Activate records that the key's stream is live. A new stream id resets
// all local state for the key: transcript lines, queued media, and the
// text fallback file. The same id going live again (a reconnect) only
// refreshes the title, start time, and liveness flag.
func (s *Store) Activate(ctx context.Context, key string, info models.StreamInfo, mediaType string) error {
	h, err := s.handle(key)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	state, err := loadState(h.db)
	if err != nil {
		return err
	}

	newStream := state == nil || state.StreamID != info.ID
	if newStream {
		previousID := ""
		if state != nil {
			previousID = state.StreamID
		}

		err = h.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("1 = 1").Delete(&models.TranscriptLine{}).Error; err != nil {
				return err
			}
			if err := tx.Where("1 = 1").Delete(&models.KeyState{}).Error; err != nil {
				return err
			}
			fresh := models.KeyState{
				StreamID:  info.ID,
				Title:     info.Title,
				StartTime: info.StartTime,
				MediaType: mediaType,
				Active:    true,
			}
			return tx.Create(&fresh).Error
		})
		if err != nil {
			return fmt.Errorf("resetting state for %s: %w", key, err)
		}

		// Pending media belongs to the superseded stream.
		if s.opts.Queue != nil {
			s.opts.Queue.DiscardKey(key)
		}
		if err := s.resetQueueDir(key); err != nil {
			s.opts.Logger.Warn("failed to clear queue dir",
				slog.String("key", key), slog.String("error", err.Error()))
		}

		if !s.opts.RelayEnabled {
			if err := s.startTranscriptFile(key, previousID, info); err != nil {
				s.opts.Logger.Warn("failed to reset transcript file",
					slog.String("key", key), slog.String("error", err.Error()))
			}
		}
	} else {
		updates := map[string]any{
			"active":     true,
			"title":      info.Title,
			"start_time": info.StartTime,
			"media_type": mediaType,
		}
		if err := h.db.Model(&models.KeyState{}).Where("id = ?", state.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating state for %s: %w", key, err)
		}
	}

	if s.opts.RelayEnabled {
		if err := s.opts.Publisher.Activate(ctx, key, info, mediaType); err != nil {
			s.opts.Logger.Warn("relay activate failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Deactivate marks the key's stream offline.
func (s *Store) Deactivate(ctx context.Context, key, streamID string) error {
	h, err := s.handle(key)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.db.Model(&models.KeyState{}).Where("1 = 1").Update("active", false).Error; err != nil {
		return fmt.Errorf("deactivating %s: %w", key, err)
	}

	if s.opts.RelayEnabled && streamID != "" {
		if err := s.opts.Publisher.Deactivate(ctx, key, streamID); err != nil {
			s.opts.Logger.Warn("relay deactivate failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return nil
}

// AddNewLine assigns the next dense line id, persists the line, and
// publishes it. On relay conflict the full state is synced first and the
// media enqueued after, so the relay knows the line before its media
// arrives. With the relay disabled the line is appended to the key's
// transcript text file instead.
func (s *Store) AddNewLine(ctx context.Context, key string, line models.TranscriptLine, raw []byte) (models.TranscriptLine, error) {
	h, err := s.handle(key)
	if err != nil {
		return line, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	state, err := loadState(h.db)
	if err != nil {
		return line, err
	}

	var maxID sql.NullInt64
	if err := h.db.Model(&models.TranscriptLine{}).Select("max(id)").Scan(&maxID).Error; err != nil {
		return line, fmt.Errorf("reading last line id for %s: %w", key, err)
	}
	line.ID = 0
	if maxID.Valid {
		line.ID = maxID.Int64 + 1
	}
	line.MediaAvailable = false
	line.CreatedAt = time.Now()

	if err := h.db.Create(&line).Error; err != nil {
		return line, fmt.Errorf("persisting line %d for %s: %w", line.ID, key, err)
	}

	if !s.opts.RelayEnabled {
		streamStart := int64(0)
		if state != nil {
			streamStart = state.StartTime
		}
		if err := s.appendTranscriptLine(key, line, streamStart); err != nil {
			s.opts.Logger.Warn("failed to append transcript line",
				slog.String("key", key), slog.String("error", err.Error()))
		}
		return line, nil
	}

	err = s.opts.Publisher.PostLine(ctx, key, line)
	switch {
	case errors.Is(err, relay.ErrConflict):
		s.opts.Logger.Info("relay out of sync, pushing full state",
			slog.String("key", key), slog.Int64("line_id", line.ID))
		if syncErr := s.syncLocked(ctx, key, h); syncErr != nil {
			s.opts.Logger.Warn("relay sync failed",
				slog.String("key", key), slog.String("error", syncErr.Error()))
		}
	case err != nil:
		s.opts.Logger.Warn("relay line post failed",
			slog.String("key", key), slog.Int64("line_id", line.ID),
			slog.String("error", err.Error()))
		return line, nil
	}

	s.enqueueMedia(key, line.ID, raw)
	return line, nil
}

// SyncServer pushes the key's full state to the relay.
func (s *Store) SyncServer(ctx context.Context, key string) error {
	h, err := s.handle(key)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.syncLocked(ctx, key, h)
}

func (s *Store) syncLocked(ctx context.Context, key string, h *keyHandle) error {
	if !s.opts.RelayEnabled {
		return nil
	}

	state, err := loadState(h.db)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	var lines []models.TranscriptLine
	if err := h.db.Order("id asc").Find(&lines).Error; err != nil {
		return fmt.Errorf("loading transcript for %s: %w", key, err)
	}

	return s.opts.Publisher.Sync(ctx, key, relay.KeyStateJSON{
		ActiveID:    state.StreamID,
		ActiveTitle: state.Title,
		StartTime:   state.StartTime,
		MediaType:   state.MediaType,
		IsLive:      state.Active,
		Transcript:  lines,
	})
}

// State returns the key's current state row, or nil when the key has
// never been activated.
func (s *Store) State(key string) (*models.KeyState, error) {
	h, err := s.handle(key)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return loadState(h.db)
}

// Lines returns the key's transcript lines in id order.
func (s *Store) Lines(key string) ([]models.TranscriptLine, error) {
	h, err := s.handle(key)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var lines []models.TranscriptLine
	if err := h.db.Order("id asc").Find(&lines).Error; err != nil {
		return nil, fmt.Errorf("loading transcript for %s: %w", key, err)
	}
	return lines, nil
}

// Close closes all open key databases.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for key, h := range s.keys {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database for %s: %w", key, err)
		}
		delete(s.keys, key)
	}
	return firstErr
}

// enqueueMedia writes the payload to the key's queue dir and hands the
// record to the upload queue. Empty payloads are a no-op. A failed disk
// write loses the media but never the line.
func (s *Store) enqueueMedia(key string, lineID int64, raw []byte) {
	if len(raw) == 0 || s.opts.Queue == nil {
		return
	}

	path := s.paths.MediaPath(key, lineID)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.opts.Logger.Error("failed to write queued media",
			slog.String("key", key), slog.Int64("line_id", lineID),
			slog.String("error", err.Error()))
		return
	}

	s.opts.Queue.Enqueue(models.MediaUpload{Key: key, LineID: lineID, Path: path})
}

// resetQueueDir recreates the key's queue directory empty.
func (s *Store) resetQueueDir(key string) error {
	dir := s.paths.QueueDir(key)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// loadState reads the singleton state row, returning nil when absent.
func loadState(db *gorm.DB) (*models.KeyState, error) {
	var state models.KeyState
	err := db.First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading key state: %w", err)
	}
	return &state, nil
}
