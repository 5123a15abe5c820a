package store

import (
	"fmt"
	"path/filepath"
)

// Paths resolves the on-disk layout for a streamer key. Everything a key
// owns lives under <base>/<key>/, with the base defaulting to tmp.
type Paths struct {
	base string
}

// NewPaths creates a path resolver rooted at the given base directory.
func NewPaths(base string) Paths {
	return Paths{base: base}
}

// KeyDir is the root directory for a key's state.
func (p Paths) KeyDir(key string) string {
	return filepath.Join(p.base, key)
}

// DatabasePath is the key's state database.
func (p Paths) DatabasePath(key string) string {
	return filepath.Join(p.KeyDir(key), "data.db")
}

// TranscriptPath is the human-readable transcript fallback file.
func (p Paths) TranscriptPath(key string) string {
	return filepath.Join(p.KeyDir(key), "transcript.text")
}

// ArchivePath is where a finished stream's transcript text is rotated to.
func (p Paths) ArchivePath(key, streamID string) string {
	return filepath.Join(p.KeyDir(key), fmt.Sprintf("transcript-%s.text.xz", streamID))
}

// QueueDir holds pending media uploads for the key.
func (p Paths) QueueDir(key string) string {
	return filepath.Join(p.KeyDir(key), "queue")
}

// MediaPath is the queued payload file for one transcript line.
func (p Paths) MediaPath(key string, lineID int64) string {
	return filepath.Join(p.QueueDir(key), fmt.Sprintf("media_%d.bin", lineID))
}

// FragmentsDir is the DASH downloader working directory.
func (p Paths) FragmentsDir(key string) string {
	return filepath.Join(p.KeyDir(key), "fragments")
}

// DashStatePath is the DASH resume sidecar.
func (p Paths) DashStatePath(key string) string {
	return filepath.Join(p.KeyDir(key), "dash_state.json")
}
