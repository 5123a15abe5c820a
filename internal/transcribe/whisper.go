package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/streamscribe/streamscribe/internal/ffmpeg"
)

// Input format handed to the whisper binary: 16 kHz mono signed 16-bit.
const (
	wavHeaderBytes  = 44
	wavBytesPerSec  = 16000 * 2
	defaultLanguage = "en"

	// vadMinSilenceMS keeps speech detection from splitting segments on
	// short pauses. Matches the silence floor the short-chunk drop assumes.
	vadMinSilenceMS = 100
)

// WhisperOptions configures the whisper.cpp CLI engine.
type WhisperOptions struct {
	// BinaryPath is the whisper-cli binary (empty = look up on PATH).
	BinaryPath string

	// ModelPath is the ggml model file loaded by the binary.
	ModelPath string

	// Language passed to the engine, defaulting to English.
	Language string

	// VADModelPath is the voice-activity model (empty = skip the VAD
	// pass; whisper-cli cannot run VAD without one).
	VADModelPath string

	// Threads caps engine threads, 0 leaves the binary default.
	Threads int
}

// WhisperEngine runs whisper.cpp as a subprocess per chunk. Raw media is
// first converted to wav with ffmpeg, then transcribed with JSON output.
type WhisperEngine struct {
	opts   WhisperOptions
	ffmpeg *ffmpeg.Runner
}

// ModelFile resolves a configured model name to the file the whisper
// binary loads. Bare names like "base" map into the local models
// directory; anything that already looks like a path passes through.
func ModelFile(name string) string {
	if strings.ContainsRune(name, os.PathSeparator) || strings.HasSuffix(name, ".bin") {
		return name
	}
	return filepath.Join("models", "ggml-"+name+".bin")
}

// NewWhisperEngine builds an engine around the given ffmpeg runner.
func NewWhisperEngine(opts WhisperOptions, runner *ffmpeg.Runner) *WhisperEngine {
	if opts.BinaryPath == "" {
		opts.BinaryPath = "whisper-cli"
	}
	if opts.Language == "" {
		opts.Language = defaultLanguage
	}
	return &WhisperEngine{opts: opts, ffmpeg: runner}
}

// whisperOutput mirrors the JSON document whisper.cpp writes with -oj.
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// Transcribe converts the raw media to wav, runs the whisper binary and
// parses its JSON output into segments.
func (e *WhisperEngine) Transcribe(ctx context.Context, raw []byte) (*Result, error) {
	dir, err := os.MkdirTemp("", "streamscribe-asr-")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "chunk.wav")
	if err := e.ffmpeg.ExtractWAV(ctx, raw, wavPath); err != nil {
		return nil, err
	}

	duration, err := wavDuration(wavPath)
	if err != nil {
		return nil, err
	}

	outPrefix := filepath.Join(dir, "chunk")
	args := []string{
		"-m", e.opts.ModelPath,
		"-f", wavPath,
		"-l", e.opts.Language,
		"-oj",
		"-of", outPrefix,
		"-np",
	}
	if e.opts.VADModelPath != "" {
		args = append(args,
			"--vad",
			"--vad-model", e.opts.VADModelPath,
			"--vad-min-silence-duration-ms", strconv.Itoa(vadMinSilenceMS))
	}
	if e.opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(e.opts.Threads))
	}

	cmd := exec.CommandContext(ctx, e.opts.BinaryPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("running whisper: %w (%s)", err, firstLine(string(out)))
	}

	data, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return nil, fmt.Errorf("reading whisper output: %w", err)
	}

	var parsed whisperOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing whisper output: %w", err)
	}

	segments := make([]Segment, 0, len(parsed.Transcription))
	for _, t := range parsed.Transcription {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: float64(t.Offsets.From) / 1000.0,
			Text:  text,
		})
	}

	return &Result{Segments: segments, Duration: duration}, nil
}

// Close releases engine resources. The CLI engine holds nothing between
// chunks, so this is safe to call any number of times.
func (e *WhisperEngine) Close() error {
	return nil
}

// wavDuration derives the audio duration from the file size. The extract
// step pins the sample format, so the byte rate is constant.
func wavDuration(path string) (float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("reading wav size: %w", err)
	}
	payload := info.Size() - wavHeaderBytes
	if payload < 0 {
		payload = 0
	}
	return float64(payload) / wavBytesPerSec, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
