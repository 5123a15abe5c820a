// Package ffmpeg wraps the ffmpeg and ffprobe binaries for the two jobs
// the pipeline needs: stream-copy muxing of DASH fragments into a single
// MPEG-TS file, and extracting ASR-ready wav audio from raw media.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes ffmpeg commands. The zero paths default to looking the
// binaries up on PATH.
type Runner struct {
	FFmpegPath  string
	FFprobePath string
}

// NewRunner creates a runner, resolving empty paths from PATH.
func NewRunner(ffmpegPath, ffprobePath string) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Runner{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// Verify checks that both binaries can be executed.
func (r *Runner) Verify(ctx context.Context) error {
	for _, bin := range []string{r.FFmpegPath, r.FFprobePath} {
		cmd := exec.CommandContext(ctx, bin, "-version")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("running %s -version: %w", bin, err)
		}
	}
	return nil
}

// MuxFragments stream-copies the given fragment files into a single
// MPEG-TS output. Fragments must belong to the same stream; a non-zero
// ffmpeg exit is a failure and the output file is removed.
func (r *Runner) MuxFragments(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no input fragments")
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	for i := range inputs {
		args = append(args, "-map", fmt.Sprintf("%d", i))
	}
	args = append(args, "-c", "copy", "-f", "mpegts", output)

	if err := r.run(ctx, r.FFmpegPath, args); err != nil {
		os.Remove(output)
		return fmt.Errorf("muxing %d fragments: %w", len(inputs), err)
	}
	return nil
}

// ExtractWAV converts raw media bytes into 16 kHz mono signed 16-bit wav,
// the input format the speech engine expects.
func (r *Runner) ExtractWAV(ctx context.Context, raw []byte, output string) error {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", "pipe:0",
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		output,
	}

	cmd := exec.CommandContext(ctx, r.FFmpegPath, args...)
	cmd.Stdin = bytes.NewReader(raw)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(output)
		return fmt.Errorf("extracting wav: %w (%s)", err, firstLine(stderr.String()))
	}
	return nil
}

// run executes a command, folding the first stderr line into the error.
func (r *Runner) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w (%s)", err, firstLine(stderr.String()))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
