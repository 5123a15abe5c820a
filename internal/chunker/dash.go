package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/media"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/observability"
	"github.com/streamscribe/streamscribe/internal/ytdlp"
)

// fragmentPattern extracts the sequence number from downloader fragment
// names like <id>.<format_id>-Frag123.
var fragmentPattern = regexp.MustCompile(`Frag(\d+)`)

// dashEmitSlack shortens the emit threshold because fragment durations
// are not exact. A 5.99s buffer is close enough to a 6s target.
const dashEmitSlack = 0.2

// dashState is the resume sidecar. A restart mid-stream continues from
// the last emitted sequence instead of retranscribing from the start.
type dashState struct {
	StreamID          string  `json:"stream_id"`
	LastSequence      int     `json:"last_sequence"`
	CurrentStreamTime float64 `json:"current_stream_time"`
}

// Dash downloads the stream as numbered fragments and assembles chunks
// from them. Fragment boundaries carry exact durations, so this is the
// only strategy with drift-free timestamps, and the only one that can
// ship full audio+video media.
type Dash struct {
	opts   Options
	logger *slog.Logger

	// Swapped in tests.
	mux          func(ctx context.Context, inputs []string, output string) error
	duration     func(data []byte) (float64, error)
	isCompleteAV func(ctx context.Context, path string) bool
	now          func() float64
	poll         time.Duration
}

// NewDash builds the fragment-assembling strategy.
func NewDash(opts Options) *Dash {
	d := &Dash{
		opts:     opts,
		logger:   observability.WithComponent(opts.Logger, "chunker.dash"),
		mux:      opts.FFmpeg.MuxFragments,
		duration: media.Duration,
		now:      unixNow,
		poll:     pollInterval,
	}
	d.isCompleteAV = func(ctx context.Context, path string) bool {
		probe, err := opts.FFmpeg.Probe(ctx, path)
		if err != nil {
			return false
		}
		return probe.HasAudio() && probe.HasVideo()
	}
	return d
}

// Run downloads fragments and assembles chunks until the stream ends or
// the context is cancelled.
func (d *Dash) Run(ctx context.Context, stream Stream) error {
	logger := observability.WithKey(d.logger, stream.Key)
	logger.Info("starting")

	fragmentDir := d.opts.Paths.FragmentsDir(stream.Key)
	statePath := d.opts.Paths.DashStatePath(stream.Key)

	initialStart := float64(stream.Info.StartTime)
	if stream.Info.StartTime == 0 {
		initialStart = d.now()
		logger.Warn("stream has no start time, defaulting to system time")
	}

	lastSeq, streamTime := d.loadState(statePath, stream.Info.ID, initialStart)
	if lastSeq == 0 && streamTime == initialStart {
		logger.Info("new stream, wiping old fragments")
		if err := os.RemoveAll(fragmentDir); err != nil {
			logger.Warn("cleaning fragment dir", slog.Any("error", err))
		}
	} else {
		logger.Info("resuming",
			slog.Int("last_sequence", lastSeq),
			slog.Float64("stream_time", streamTime))
	}
	if err := os.MkdirAll(fragmentDir, 0o755); err != nil {
		return fmt.Errorf("creating fragment dir: %w", err)
	}

	// A leftover final file would make the downloader skip the stream
	// as already downloaded.
	d.removeFinalFiles(fragmentDir, stream.Info.ID)

	format := ytdlp.FormatDASHAudio
	if stream.MediaType == config.MediaVideo {
		format = ytdlp.FormatDASHVideo
	}
	proc := ytdlp.NewFragmentProcess(ctx, d.opts.DownloaderPath, stream.URL, format, fragmentDir)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("starting downloader: %w", err)
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go ytdlp.MonitorProcess(monitorCtx, proc.PID(), stream.Key, d.opts.Logger)

	procDone := make(chan struct{})
	var procErr error
	go func() {
		procErr = proc.Wait()
		close(procDone)
	}()

	d.monitor(ctx, stream, fragmentDir, statePath, procDone, lastSeq, streamTime)

	proc.Stop()
	<-procDone
	if procErr != nil && ctx.Err() == nil {
		logger.Error("downloader exited with an error",
			slog.Any("error", procErr),
			slog.String("stderr", proc.StderrTail()))
	} else {
		logger.Info("downloader finished")
	}
	return nil
}

// monitor scans the fragment directory, assembles ready sequences in
// order and emits chunks once enough duration has accumulated.
func (d *Dash) monitor(ctx context.Context, stream Stream, fragmentDir, statePath string, procDone <-chan struct{}, lastSeq int, streamTime float64) {
	logger := observability.WithKey(d.logger, stream.Key)
	session := uuid.New()
	videoMode := stream.MediaType == config.MediaVideo
	target := float64(d.opts.BufferSizeSeconds) - dashEmitSlack

	var (
		buffer         []byte
		bufferDuration float64
	)

	logger.Info("monitoring fragments",
		slog.String("dir", fragmentDir),
		slog.Bool("video", videoMode))

loop:
	for ctx.Err() == nil {
		select {
		case <-procDone:
			logger.Info("downloader ended")
			break loop
		default:
		}

		pending := d.scanFragments(fragmentDir, lastSeq)
		if len(pending) == 0 {
			d.sleep(ctx, procDone)
			continue
		}

		sequences := make([]int, 0, len(pending))
		for seq := range pending {
			sequences = append(sequences, seq)
		}
		sort.Ints(sequences)

		for _, seq := range sequences {
			files := pending[seq]
			if !d.sequenceReady(ctx, files, videoMode) {
				// Incomplete sequence. Wait rather than skip ahead.
				break
			}

			merged := filepath.Join(fragmentDir, "merged_"+strconv.Itoa(seq)+".ts")
			if err := d.mux(ctx, files, merged); err != nil {
				logger.Error("muxing fragments",
					slog.Int("sequence", seq),
					slog.Any("error", err))
				continue
			}

			data, err := os.ReadFile(merged)
			os.Remove(merged)
			if err != nil {
				logger.Error("reading muxed payload", slog.Any("error", err))
				continue
			}

			duration, err := d.duration(data)
			if err != nil {
				logger.Debug("measuring payload duration", slog.Any("error", err))
			}
			if duration > 0 {
				buffer = append(buffer, data...)
				bufferDuration += duration
			}
			lastSeq = seq

			if bufferDuration >= target {
				logger.Debug("emitting chunk",
					slog.Int("sequence", seq),
					slog.Float64("duration", bufferDuration))
				d.emit(stream, session, buffer, streamTime, bufferDuration)
				streamTime += bufferDuration
				buffer = nil
				bufferDuration = 0
				d.saveState(statePath, dashState{
					StreamID:          stream.Info.ID,
					LastSequence:      lastSeq,
					CurrentStreamTime: streamTime,
				})
			}
		}

		d.sleep(ctx, procDone)
	}

	if len(buffer) > 0 {
		d.emit(stream, session, buffer, streamTime, bufferDuration)
	}
}

// scanFragments groups unprocessed fragment files by sequence number.
// Partial downloads and downloader bookkeeping files are ignored.
func (d *Dash) scanFragments(fragmentDir string, lastSeq int) map[int][]string {
	entries, err := os.ReadDir(fragmentDir)
	if err != nil {
		return nil
	}

	pending := map[int][]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		match := fragmentPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		seq, err := strconv.Atoi(match[1])
		if err != nil || seq <= lastSeq {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		pending[seq] = append(pending[seq], filepath.Join(fragmentDir, name))
	}
	return pending
}

// sequenceReady reports whether every track of a sequence has landed.
// Video mode needs a video and an audio file, or one file carrying both
// streams. Audio mode needs just the one file.
func (d *Dash) sequenceReady(ctx context.Context, files []string, videoMode bool) bool {
	if !videoMode {
		return len(files) >= 1
	}
	if len(files) >= 2 {
		return true
	}
	return len(files) == 1 && d.isCompleteAV(ctx, files[0])
}

func (d *Dash) emit(stream Stream, session uuid.UUID, buffer []byte, start, duration float64) {
	data := make([]byte, len(buffer))
	copy(data, buffer)
	chunk := models.NewChunk(stream.Key, session, data, start, duration)
	chunk.MediaType = string(stream.MediaType)
	d.opts.Queue.Enqueue(chunk)
}

func (d *Dash) sleep(ctx context.Context, procDone <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-procDone:
	case <-time.After(d.poll):
	}
}

// loadState reads the resume sidecar. State recorded for a different
// stream id does not apply.
func (d *Dash) loadState(path, streamID string, defaultStart float64) (int, float64) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, defaultStart
	}
	var state dashState
	if err := json.Unmarshal(data, &state); err != nil {
		d.logger.Warn("parsing resume state", slog.Any("error", err))
		return 0, defaultStart
	}
	if state.StreamID != streamID {
		return 0, defaultStart
	}
	return state.LastSequence, state.CurrentStreamTime
}

func (d *Dash) saveState(path string, state dashState) {
	data, err := json.Marshal(state)
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		d.logger.Warn("saving resume state", slog.Any("error", err))
	}
}

// removeFinalFiles deletes assembled output files the downloader left
// behind for this stream, keeping the fragments themselves.
func (d *Dash) removeFinalFiles(fragmentDir, streamID string) {
	entries, err := os.ReadDir(fragmentDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, streamID) {
			continue
		}
		if strings.Contains(name, "Frag") ||
			strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		path := filepath.Join(fragmentDir, name)
		if err := os.Remove(path); err != nil {
			d.logger.Warn("removing stale final file",
				slog.String("file", path), slog.Any("error", err))
			continue
		}
		d.logger.Info("removed stale final file so the download restarts",
			slog.String("file", path))
	}
}
