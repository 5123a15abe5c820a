package ytdlp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Format selectors the chunkers download with.
const (
	// FormatBestAudio is the continuous-stdout audio stream.
	FormatBestAudio = "ba"

	// FormatBest is the best single muxed format. Stdout streaming
	// cannot merge separate tracks, so this is what the buffered
	// chunker downloads.
	FormatBest = "best"

	// FormatDASHVideo pins avc video plus mp4a audio so the fragment
	// muxer can stream-copy into MPEG-TS. VP9 would end up as bin_data.
	FormatDASHVideo = "bestvideo[vcodec^=avc]+bestaudio[acodec^=mp4a]/best[vcodec^=avc]/best"

	// FormatDASHAudio is the fragment-mode audio-only selector.
	FormatDASHAudio = "bestaudio/best"
)

// Process is a running yt-dlp child. The zero value is not usable; build
// one with NewStreamProcess or NewFragmentProcess and call Start.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	stderrMu sync.Mutex
	stderr   bytes.Buffer
}

// NewStreamProcess builds a yt-dlp child that writes a continuous media
// stream to its stdout (FixedBitrate and Buffered chunkers).
func NewStreamProcess(ctx context.Context, binaryPath, url, format string) *Process {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, binaryPath,
		"-f", format,
		"--quiet",
		"--no-warnings",
		"--match-filter", "is_live",
		"-o", "-",
		url,
	)
	return &Process{cmd: cmd}
}

// NewFragmentProcess builds a yt-dlp child that downloads the stream
// from its start into fragmentDir, keeping fragments on disk (DASH
// chunker). The output template keeps fragment names predictable:
// <id>.<format_id>-Frag<N>.
func NewFragmentProcess(ctx context.Context, binaryPath, url, format, fragmentDir string) *Process {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	cmd := exec.CommandContext(ctx, binaryPath,
		"--quiet",
		"--no-warnings",
		"--live-from-start",
		"--keep-fragments",
		"--match-filter", "is_live",
		"-f", format,
		"-o", filepath.Join(fragmentDir, "%(id)s.%(format_id)s"),
		url,
	)
	return &Process{cmd: cmd}
}

// Start launches the child. Stdout is only available for stream-mode
// processes.
func (p *Process) Start() error {
	p.cmd.Stderr = &stderrWriter{p: p}

	if containsArg(p.cmd.Args, "-o", "-") {
		stdout, err := p.cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("opening stdout pipe: %w", err)
		}
		p.stdout = stdout
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("starting yt-dlp: %w", err)
	}
	return nil
}

// Stdout returns the child's stdout stream, nil for fragment mode.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// PID returns the child's process id, 0 before Start.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the child exits. A clean exit is the end-of-stream
// signal.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Stop terminates the child if it is still running.
func (p *Process) Stop() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// StderrTail returns the captured stderr output for post-mortem logging.
func (p *Process) StderrTail() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.TrimSpace(p.stderr.String())
}

// stderrWriter appends to the process stderr buffer, keeping only a
// bounded tail.
type stderrWriter struct {
	p *Process
}

const stderrTailLimit = 8 * 1024

func (w *stderrWriter) Write(b []byte) (int, error) {
	w.p.stderrMu.Lock()
	defer w.p.stderrMu.Unlock()

	w.p.stderr.Write(b)
	if w.p.stderr.Len() > stderrTailLimit {
		tail := w.p.stderr.Bytes()
		trimmed := make([]byte, stderrTailLimit)
		copy(trimmed, tail[len(tail)-stderrTailLimit:])
		w.p.stderr.Reset()
		w.p.stderr.Write(trimmed)
	}
	return len(b), nil
}

func containsArg(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}
