package chunker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamscribe/streamscribe/internal/chunkqueue"
	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/ffmpeg"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Queue:             chunkqueue.New(testLogger()),
		Paths:             store.NewPaths(t.TempDir()),
		BufferSizeSeconds: 6,
		Logger:            testLogger(),
	}
}

func testStream(key string) Stream {
	return Stream{
		Key:       key,
		URL:       "https://example.com/live",
		Info:      models.StreamInfo{ID: "stream-1", Title: "Test", StartTime: 1000},
		MediaType: config.MediaAudio,
	}
}

func TestSelect(t *testing.T) {
	opts := testOptions(t)
	opts.FFmpeg = ffmpeg.NewRunner("", "")

	assert.IsType(t, &FixedBitrate{}, Select(opts, "https://www.twitch.tv/somechannel"))
	assert.IsType(t, &Dash{}, Select(opts, "https://www.youtube.com/@channel/live"))
	assert.IsType(t, &Dash{}, Select(opts, "https://youtu.be/abc123"))
	assert.IsType(t, &Buffered{}, Select(opts, "https://example.com/live"))
}

func TestSampleRateFor(t *testing.T) {
	assert.Equal(t, rateTwitchAudio, sampleRateFor("https://www.twitch.tv/abc"))
	assert.Equal(t, rateYouTubeAudio, sampleRateFor("https://www.youtube.com/watch?v=x"))
}

func TestFixedBitrateSlicing(t *testing.T) {
	opts := testOptions(t)
	f := NewFixedBitrate(opts)

	// 6s at 4096 B/s lines chunk boundaries up with the read size.
	rate := 4096
	chunkSize := opts.BufferSizeSeconds * rate
	data := bytes.Repeat([]byte{0x47}, chunkSize+5000)

	f.slice(context.Background(), testStream("asmon"), bytes.NewReader(data), rate)

	first, ok := opts.Queue.Dequeue(time.Second)
	require.True(t, ok)
	assert.Len(t, first.Data, chunkSize)
	assert.Equal(t, "audio", first.MediaType)
	assert.InDelta(t, float64(time.Now().Unix()-liveLatencySeconds), first.Start, 5)

	second, ok := opts.Queue.Dequeue(time.Second)
	require.True(t, ok)
	assert.Len(t, second.Data, 5000)
	assert.GreaterOrEqual(t, second.Start, first.Start)
	assert.Equal(t, first.Session, second.Session)

	_, ok = opts.Queue.Dequeue(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestFixedBitrateDropsTinyResidual(t *testing.T) {
	opts := testOptions(t)
	f := NewFixedBitrate(opts)

	rate := 4096
	data := bytes.Repeat([]byte{0x47}, opts.BufferSizeSeconds*rate+3000)

	f.slice(context.Background(), testStream("asmon"), bytes.NewReader(data), rate)

	_, ok := opts.Queue.Dequeue(time.Second)
	require.True(t, ok)
	_, ok = opts.Queue.Dequeue(50 * time.Millisecond)
	assert.False(t, ok, "residual below one read is dropped")
}

func TestFixedBitrateStopsOnCancel(t *testing.T) {
	opts := testOptions(t)
	f := NewFixedBitrate(opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan struct{})
	go func() {
		f.slice(ctx, testStream("asmon"), pr, 4096)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slice did not honour cancellation")
	}
}

func TestBufferedSlicesByDuration(t *testing.T) {
	opts := testOptions(t)
	b := NewBuffered(opts)
	b.poll = 5 * time.Millisecond
	b.estimate = func(_ context.Context, data []byte) (float64, error) {
		return float64(len(data)) / 1500.0, nil
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		b.slice(context.Background(), testStream("asmon"), pr)
		close(done)
	}()

	// 9000 bytes is past the size floor and probes as 6s of media.
	payload := bytes.Repeat([]byte{0x47}, 9000)
	_, err := pw.Write(payload)
	require.NoError(t, err)

	chunk, ok := opts.Queue.Dequeue(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, payload, chunk.Data)
	assert.InDelta(t, 6.0, chunk.Duration, 0.1)

	// A tail below the size floor is dropped at end of stream.
	_, err = pw.Write(bytes.Repeat([]byte{0x47}, 3000))
	require.NoError(t, err)
	pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slicer did not stop on downloader end")
	}
	_, ok = opts.Queue.Dequeue(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestBufferedFlushesResidualOnEnd(t *testing.T) {
	opts := testOptions(t)
	b := NewBuffered(opts)
	b.poll = 5 * time.Millisecond
	b.estimate = func(_ context.Context, _ []byte) (float64, error) {
		return 1.0, nil // never enough to cut mid-stream
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		b.slice(context.Background(), testStream("asmon"), pr)
		close(done)
	}()

	payload := bytes.Repeat([]byte{0x47}, 10_000)
	_, err := pw.Write(payload)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slicer did not stop on downloader end")
	}

	chunk, ok := opts.Queue.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, payload, chunk.Data)
}

func newTestDash(t *testing.T, opts Options) *Dash {
	t.Helper()
	d := &Dash{
		opts:   opts,
		logger: testLogger(),
		mux: func(_ context.Context, inputs []string, output string) error {
			var merged []byte
			for _, in := range inputs {
				data, err := os.ReadFile(in)
				if err != nil {
					return err
				}
				merged = append(merged, data...)
			}
			return os.WriteFile(output, merged, 0o644)
		},
		duration:     func(data []byte) (float64, error) { return 3.0, nil },
		isCompleteAV: func(_ context.Context, _ string) bool { return false },
		now:          unixNow,
		poll:         5 * time.Millisecond,
	}
	return d
}

func writeFragment(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
}

func TestDashAssemblesFragmentsInOrder(t *testing.T) {
	opts := testOptions(t)
	d := newTestDash(t, opts)

	stream := testStream("asmon")
	fragDir := opts.Paths.FragmentsDir(stream.Key)
	require.NoError(t, os.MkdirAll(fragDir, 0o755))
	statePath := opts.Paths.DashStatePath(stream.Key)

	writeFragment(t, fragDir, "stream-1.140-Frag2", []byte("bb"))
	writeFragment(t, fragDir, "stream-1.140-Frag1", []byte("aa"))

	ctx, cancel := context.WithCancel(context.Background())
	procDone := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.monitor(ctx, stream, fragDir, statePath, procDone, 0, 1000)
		close(done)
	}()

	chunk, ok := opts.Queue.Dequeue(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("aabb"), chunk.Data, "fragments assemble in sequence order")
	assert.Equal(t, 1000.0, chunk.Start)
	assert.InDelta(t, 6.0, chunk.Duration, 0.001)

	var state dashState
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(statePath)
		if err != nil {
			return false
		}
		return json.Unmarshal(data, &state) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "stream-1", state.StreamID)
	assert.Equal(t, 2, state.LastSequence)
	assert.InDelta(t, 1006.0, state.CurrentStreamTime, 0.001)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestDashResumeSkipsProcessedSequences(t *testing.T) {
	opts := testOptions(t)
	d := newTestDash(t, opts)

	stream := testStream("asmon")
	fragDir := opts.Paths.FragmentsDir(stream.Key)
	require.NoError(t, os.MkdirAll(fragDir, 0o755))

	writeFragment(t, fragDir, "stream-1.140-Frag1", []byte("aa"))
	writeFragment(t, fragDir, "stream-1.140-Frag2", []byte("bb"))

	ctx, cancel := context.WithCancel(context.Background())
	procDone := make(chan struct{})
	done := make(chan struct{})
	go func() {
		// Sequence 1 was already emitted before the restart.
		d.monitor(ctx, stream, fragDir, opts.Paths.DashStatePath(stream.Key), procDone, 1, 1003)
		close(done)
	}()

	// One 3s payload never reaches the emit threshold, so the chunk
	// arrives as the end-of-stream flush.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	chunk, ok := opts.Queue.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, []byte("bb"), chunk.Data)
	assert.Equal(t, 1003.0, chunk.Start)
}

func TestDashWaitsForIncompleteVideoSequence(t *testing.T) {
	opts := testOptions(t)
	d := newTestDash(t, opts)

	assert.True(t, d.sequenceReady(context.Background(), []string{"a"}, false))
	assert.False(t, d.sequenceReady(context.Background(), []string{"a"}, true))
	assert.True(t, d.sequenceReady(context.Background(), []string{"a", "v"}, true))

	d.isCompleteAV = func(_ context.Context, _ string) bool { return true }
	assert.True(t, d.sequenceReady(context.Background(), []string{"av"}, true))
}

func TestDashScanFragments(t *testing.T) {
	opts := testOptions(t)
	d := newTestDash(t, opts)
	dir := t.TempDir()

	writeFragment(t, dir, "stream-1.140-Frag1", []byte("x"))
	writeFragment(t, dir, "stream-1.140-Frag2", []byte("x"))
	writeFragment(t, dir, "stream-1.299-Frag2", []byte("x"))
	writeFragment(t, dir, "stream-1.140-Frag3.part", []byte("x"))
	writeFragment(t, dir, "stream-1.140-Frag4.ytdl", []byte("x"))
	writeFragment(t, dir, "stream-1.140-Frag5", nil) // zero size, still downloading
	writeFragment(t, dir, "stream-1.140", []byte("x"))

	pending := d.scanFragments(dir, 1)
	assert.NotContains(t, pending, 1, "processed sequences are skipped")
	assert.Len(t, pending[2], 2, "both tracks of sequence 2 found")
	assert.NotContains(t, pending, 3)
	assert.NotContains(t, pending, 4)
	assert.NotContains(t, pending, 5)
}

func TestDashStateRoundTrip(t *testing.T) {
	opts := testOptions(t)
	d := newTestDash(t, opts)
	path := filepath.Join(t.TempDir(), "dash_state.json")

	seq, start := d.loadState(path, "stream-1", 500)
	assert.Equal(t, 0, seq)
	assert.Equal(t, 500.0, start)

	d.saveState(path, dashState{StreamID: "stream-1", LastSequence: 7, CurrentStreamTime: 542})

	seq, start = d.loadState(path, "stream-1", 500)
	assert.Equal(t, 7, seq)
	assert.Equal(t, 542.0, start)

	// State from another stream does not carry over.
	seq, start = d.loadState(path, "stream-2", 900)
	assert.Equal(t, 0, seq)
	assert.Equal(t, 900.0, start)
}

func TestDashRemoveFinalFiles(t *testing.T) {
	opts := testOptions(t)
	d := newTestDash(t, opts)
	dir := t.TempDir()

	writeFragment(t, dir, "stream-1.140", []byte("final"))
	writeFragment(t, dir, "stream-1.140-Frag1", []byte("frag"))
	writeFragment(t, dir, "stream-1.140.part", []byte("partial"))
	writeFragment(t, dir, "other.140", []byte("foreign"))

	d.removeFinalFiles(dir, "stream-1")

	assert.NoFileExists(t, filepath.Join(dir, "stream-1.140"))
	assert.FileExists(t, filepath.Join(dir, "stream-1.140-Frag1"))
	assert.FileExists(t, filepath.Join(dir, "stream-1.140.part"))
	assert.FileExists(t, filepath.Join(dir, "other.140"))
}
