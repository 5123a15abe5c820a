// Package startup runs boot-time housekeeping before the pipeline starts.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/streamscribe/streamscribe/internal/store"
)

// mergedPrefix and mergedSuffix bracket the intermediate files the DASH
// assembler muxes fragments into. They are normally removed right after
// being read; a crash in between leaves them behind.
const (
	mergedPrefix = "merged_"
	mergedSuffix = ".ts"
)

// CleanupMergedArtifacts removes leftover muxed intermediates from every
// key's fragment directory. The fragments themselves stay so a resumed
// stream can reassemble them. Returns the number of files removed.
func CleanupMergedArtifacts(logger *slog.Logger, paths store.Paths, keys []string) int {
	var removed int
	for _, key := range keys {
		dir := paths.FragmentsDir(key)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, mergedPrefix) || !strings.HasSuffix(name, mergedSuffix) {
				continue
			}
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				logger.Warn("removing stale merged artifact",
					slog.String("path", path), slog.Any("error", err))
				continue
			}
			logger.Debug("removed stale merged artifact", slog.String("path", path))
			removed++
		}
	}
	if removed > 0 {
		logger.Info("cleaned up stale merged artifacts", slog.Int("count", removed))
	}
	return removed
}
