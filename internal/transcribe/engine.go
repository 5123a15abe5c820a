// Package transcribe turns buffered media chunks into transcript lines.
// It holds the speech engine contract, the whisper.cpp CLI implementation
// and the single consumer loop that drains the chunk queue into storage.
package transcribe

import "context"

// Segment is one recognized span of speech, with its start offset in
// seconds relative to the beginning of the transcribed audio.
type Segment struct {
	Start float64
	Text  string
}

// Result is the outcome of transcribing one chunk. Duration is the audio
// duration in seconds, or negative when the engine could not decode the
// input at all.
type Result struct {
	Segments []Segment
	Duration float64
}

// Engine converts raw media bytes into recognized speech segments.
type Engine interface {
	Transcribe(ctx context.Context, raw []byte) (*Result, error)
	Close() error
}

// EngineFactory builds an engine on demand. The transcriber constructs the
// engine lazily on the first chunk and releases it after a long idle
// period, so model memory is only held while streams are live.
type EngineFactory func() (Engine, error)
