package models

import (
	"time"

	"github.com/google/uuid"
)

// Chunk is one buffered slice of stream media on its way to transcription.
type Chunk struct {
	// ID identifies the chunk in logs across the chunker/transcriber handoff.
	ID ULID `json:"id"`

	// Key is the streamer key the chunk belongs to.
	Key string `json:"key"`

	// Session identifies the chunker run that produced the chunk. A new
	// session starts for every (re)connected stream, so stale chunks from
	// a previous connection can be told apart.
	Session uuid.UUID `json:"session"`

	// Data is the raw media payload.
	Data []byte `json:"-"`

	// MediaType is the configured media type for the key ("none", "audio"
	// or "video"). It decides whether the payload is kept for upload after
	// transcription.
	MediaType string `json:"media_type"`

	// Start is the wall-clock time the audio in this chunk began, in unix
	// seconds. Fractional because chunk boundaries do not fall on whole
	// seconds.
	Start float64 `json:"start"`

	// Duration is the media duration in seconds, 0 when unknown.
	Duration float64 `json:"duration"`

	// CapturedAt is when the chunker finished assembling the chunk.
	CapturedAt time.Time `json:"captured_at"`
}

// NewChunk builds a chunk with a fresh ID and capture timestamp.
func NewChunk(key string, session uuid.UUID, data []byte, start, duration float64) Chunk {
	return Chunk{
		ID:         NewULID(),
		Key:        key,
		Session:    session,
		Data:       data,
		Start:      start,
		Duration:   duration,
		CapturedAt: time.Now(),
	}
}

// MediaUpload describes one queued media payload waiting to be delivered
// to the relay. Payloads live on disk so queued uploads survive restarts.
type MediaUpload struct {
	// Key is the streamer key the media belongs to.
	Key string `json:"key"`

	// LineID is the transcript line the media accompanies.
	LineID int64 `json:"line_id"`

	// Path is the on-disk location of the payload.
	Path string `json:"path"`
}
