package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// probeTimeout bounds a single ffprobe invocation.
const probeTimeout = 15 * time.Second

// ProbeResult is the subset of ffprobe output the pipeline inspects.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// ProbeStream contains per-stream information.
type ProbeStream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

// HasAudio reports whether any stream is audio.
func (p ProbeResult) HasAudio() bool {
	return p.hasType("audio")
}

// HasVideo reports whether any stream is video.
func (p ProbeResult) HasVideo() bool {
	return p.hasType("video")
}

func (p ProbeResult) hasType(t string) bool {
	for _, s := range p.Streams {
		if s.CodecType == t {
			return true
		}
	}
	return false
}

// Probe runs ffprobe against a file and parses its JSON output.
func (r *Runner) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.FFprobePath,
		"-hide_banner", "-loglevel", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("probing %s: %w (%s)", path, err, firstLine(stderr.String()))
	}

	var result ProbeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output for %s: %w", path, err)
	}
	return &result, nil
}
