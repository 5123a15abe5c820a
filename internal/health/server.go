// Package health serves a small local HTTP endpoint for liveness
// checks and a JSON snapshot of the worker state.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/observability"
	"github.com/streamscribe/streamscribe/internal/version"
)

// StateSource exposes per-key state for the snapshot.
type StateSource interface {
	State(key string) (*models.KeyState, error)
}

// Depths reports the live queue depths.
type Depths struct {
	ChunkQueue  func() int
	UploadQueue func() int
}

// Snapshot is the GET /status response body.
type Snapshot struct {
	Version     string        `json:"version"`
	ChunkQueue  int           `json:"chunk_queue"`
	UploadQueue int           `json:"upload_queue"`
	Keys        []KeySnapshot `json:"keys"`
}

// KeySnapshot is one key's live state.
type KeySnapshot struct {
	Key      string `json:"key"`
	IsLive   bool   `json:"is_live"`
	StreamID string `json:"stream_id,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Server is the local health endpoint.
type Server struct {
	cfg    *config.Config
	store  StateSource
	depths Depths
	logger *slog.Logger
	http   *http.Server
}

// New builds the health server. Call Start to begin listening.
func New(cfg *config.Config, store StateSource, depths Depths, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		depths: depths,
		logger: observability.WithComponent(logger, "health"),
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:         cfg.Health.Listen,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start listens in a goroutine. Disabled configuration is a no-op.
func (s *Server) Start() {
	if !s.cfg.Health.Enabled {
		return
	}
	s.logger.Info("listening", slog.String("addr", s.http.Addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server failed", slog.Any("error", err))
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.cfg.Health.Enabled {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok " + version.Short() + "\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := Snapshot{Version: version.Version}
	if s.depths.ChunkQueue != nil {
		snapshot.ChunkQueue = s.depths.ChunkQueue()
	}
	if s.depths.UploadQueue != nil {
		snapshot.UploadQueue = s.depths.UploadQueue()
	}

	for _, key := range s.cfg.Keys() {
		entry := KeySnapshot{Key: key}
		state, err := s.store.State(key)
		if err != nil {
			s.logger.Warn("reading key state",
				slog.String("key", key), slog.Any("error", err))
		} else if state != nil {
			entry.IsLive = state.Active
			entry.StreamID = state.StreamID
			entry.Title = state.Title
		}
		snapshot.Keys = append(snapshot.Keys, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.logger.Warn("writing status response", slog.Any("error", err))
	}
}
