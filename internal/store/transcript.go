package store

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/streamscribe/streamscribe/internal/models"
)

// startTranscriptFile archives the previous stream's transcript when
// archiving is enabled, then truncates the text file and writes the
// activation banner for the new stream.
func (s *Store) startTranscriptFile(key, previousID string, info models.StreamInfo) error {
	if s.opts.ArchiveEnabled && previousID != "" {
		if err := s.archiveTranscript(key, previousID); err != nil {
			s.opts.Logger.Warn("failed to archive transcript",
				slog.String("key", key), slog.String("stream_id", previousID),
				slog.String("error", err.Error()))
		}
	}

	banner := fmt.Sprintf("Activating stream %s [%s] started at [%d]\n", info.Title, info.ID, info.StartTime)

	return os.WriteFile(s.paths.TranscriptPath(key), []byte(banner), 0o644)
}

// appendTranscriptLine appends one rendered line to the key's text file.
func (s *Store) appendTranscriptLine(key string, line models.TranscriptLine, streamStart int64) error {
	f, err := os.OpenFile(s.paths.TranscriptPath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(line.Render(streamStart) + "\n")
	return err
}

// archiveTranscript compresses the current transcript text into
// transcript-<streamID>.text.xz and prunes old archives beyond the
// configured retention.
func (s *Store) archiveTranscript(key, streamID string) error {
	src, err := os.Open(s.paths.TranscriptPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	if info, err := src.Stat(); err == nil && info.Size() == 0 {
		return nil
	}

	dst, err := os.Create(s.paths.ArchivePath(key, streamID))
	if err != nil {
		return err
	}
	defer dst.Close()

	xw, err := xz.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("creating xz writer: %w", err)
	}
	if _, err := io.Copy(xw, src); err != nil {
		return fmt.Errorf("compressing transcript: %w", err)
	}
	if err := xw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	s.pruneArchives(key)
	return nil
}

// pruneArchives deletes the oldest transcript archives past the keep limit.
func (s *Store) pruneArchives(key string) {
	keep := s.opts.ArchiveKeep
	if keep <= 0 {
		return
	}

	entries, err := os.ReadDir(s.paths.KeyDir(key))
	if err != nil {
		return
	}

	type archive struct {
		path string
		mod  time.Time
	}
	var archives []archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "transcript-") || !strings.HasSuffix(e.Name(), ".text.xz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archive{
			path: filepath.Join(s.paths.KeyDir(key), e.Name()),
			mod:  info.ModTime(),
		})
	}

	if len(archives) <= keep {
		return
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].mod.After(archives[j].mod) })
	for _, old := range archives[keep:] {
		if err := os.Remove(old.path); err != nil {
			s.opts.Logger.Warn("failed to prune transcript archive",
				slog.String("path", old.path), slog.String("error", err.Error()))
		}
	}
}
