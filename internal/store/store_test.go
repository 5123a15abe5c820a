package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/relay"
)

type fakePublisher struct {
	activations   []string
	deactivations []string
	lines         []models.TranscriptLine
	syncs         []relay.KeyStateJSON
	calls         []string

	postLineErr error
}

func (f *fakePublisher) Activate(_ context.Context, key string, info models.StreamInfo, _ string) error {
	f.activations = append(f.activations, info.ID)
	f.calls = append(f.calls, "activate")
	return nil
}

func (f *fakePublisher) Deactivate(_ context.Context, key, streamID string) error {
	f.deactivations = append(f.deactivations, streamID)
	f.calls = append(f.calls, "deactivate")
	return nil
}

func (f *fakePublisher) PostLine(_ context.Context, key string, line models.TranscriptLine) error {
	f.lines = append(f.lines, line)
	f.calls = append(f.calls, "line")
	return f.postLineErr
}

func (f *fakePublisher) Sync(_ context.Context, key string, state relay.KeyStateJSON) error {
	f.syncs = append(f.syncs, state)
	f.calls = append(f.calls, "sync")
	return nil
}

type fakeQueue struct {
	enqueued  []models.MediaUpload
	discarded []string
	events    []string
}

func (f *fakeQueue) Enqueue(upload models.MediaUpload) {
	f.enqueued = append(f.enqueued, upload)
	f.events = append(f.events, "enqueue")
}

func (f *fakeQueue) DiscardKey(key string) {
	f.discarded = append(f.discarded, key)
	f.events = append(f.events, "discard")
}

func newTestStore(t *testing.T, relayEnabled bool) (*Store, *fakePublisher, *fakeQueue) {
	t.Helper()

	pub := &fakePublisher{}
	queue := &fakeQueue{}
	s, err := New(Options{
		BaseDir:      t.TempDir(),
		RelayEnabled: relayEnabled,
		Publisher:    pub,
		Queue:        queue,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, pub, queue
}

func testInfo() models.StreamInfo {
	return models.StreamInfo{ID: "vid123", Title: "morning stream", StartTime: 1700000000}
}

func TestPathsLayout(t *testing.T) {
	p := NewPaths("tmp")

	assert.Equal(t, filepath.Join("tmp", "asmon"), p.KeyDir("asmon"))
	assert.Equal(t, filepath.Join("tmp", "asmon", "data.db"), p.DatabasePath("asmon"))
	assert.Equal(t, filepath.Join("tmp", "asmon", "transcript.text"), p.TranscriptPath("asmon"))
	assert.Equal(t, filepath.Join("tmp", "asmon", "queue"), p.QueueDir("asmon"))
	assert.Equal(t, filepath.Join("tmp", "asmon", "queue", "media_10.bin"), p.MediaPath("asmon", 10))
	assert.Equal(t, filepath.Join("tmp", "asmon", "fragments"), p.FragmentsDir("asmon"))
	assert.Equal(t, filepath.Join("tmp", "asmon", "dash_state.json"), p.DashStatePath("asmon"))
	assert.Equal(t, filepath.Join("tmp", "asmon", "transcript-vid123.text.xz"), p.ArchivePath("asmon", "vid123"))
}

func TestStore_CreatePaths(t *testing.T) {
	s, _, _ := newTestStore(t, false)
	require.NoError(t, s.CreatePaths("asmon"))

	assert.DirExists(t, s.Paths().QueueDir("asmon"))
	assert.DirExists(t, s.Paths().FragmentsDir("asmon"))
	assert.FileExists(t, s.Paths().TranscriptPath("asmon"))
}

func TestStore_Activate_NewStream(t *testing.T) {
	s, pub, queue := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))

	state, err := s.State("asmon")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "vid123", state.StreamID)
	assert.Equal(t, "audio", state.MediaType)
	assert.True(t, state.Active)

	assert.Equal(t, []string{"vid123"}, pub.activations)
	assert.Equal(t, []string{"asmon"}, queue.discarded)
}

func TestStore_Activate_NewStreamResetsLines(t *testing.T) {
	s, _, queue := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	_, err := s.AddNewLine(ctx, "asmon", models.NewLine(1700000010, nil), []byte("media"))
	require.NoError(t, err)

	// Stale queue files from the old stream must not survive.
	require.NoError(t, s.Activate(ctx, "asmon", models.StreamInfo{ID: "vid456", Title: "next"}, "audio"))

	lines, err := s.Lines("asmon")
	require.NoError(t, err)
	assert.Empty(t, lines)

	entries, err := os.ReadDir(s.Paths().QueueDir("asmon"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, []string{"asmon", "asmon"}, queue.discarded)
}

func TestStore_Activate_SameStreamKeepsLines(t *testing.T) {
	s, _, queue := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	_, err := s.AddNewLine(ctx, "asmon", models.NewLine(1700000010, nil), nil)
	require.NoError(t, err)

	updated := testInfo()
	updated.Title = "renamed stream"
	require.NoError(t, s.Activate(ctx, "asmon", updated, "audio"))

	state, err := s.State("asmon")
	require.NoError(t, err)
	assert.Equal(t, "renamed stream", state.Title)

	lines, err := s.Lines("asmon")
	require.NoError(t, err)
	assert.Len(t, lines, 1)
	assert.Len(t, queue.discarded, 1)
}

func TestStore_Deactivate(t *testing.T) {
	s, pub, _ := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	require.NoError(t, s.Deactivate(ctx, "asmon", "vid123"))

	state, err := s.State("asmon")
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.Equal(t, []string{"vid123"}, pub.deactivations)
}

func TestStore_Deactivate_EmptyStreamIDSkipsRelay(t *testing.T) {
	s, pub, _ := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	require.NoError(t, s.Deactivate(ctx, "asmon", ""))

	assert.Empty(t, pub.deactivations)
}

func TestStore_AddNewLine_DenseIDs(t *testing.T) {
	s, _, _ := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))

	for want := int64(0); want < 3; want++ {
		line, err := s.AddNewLine(ctx, "asmon", models.NewLine(1700000010+want, nil), nil)
		require.NoError(t, err)
		assert.Equal(t, want, line.ID)
		assert.False(t, line.MediaAvailable)
	}

	lines, err := s.Lines("asmon")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Equal(t, int64(i), line.ID)
	}
}

func TestStore_AddNewLine_EnqueuesMedia(t *testing.T) {
	s, _, queue := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	line, err := s.AddNewLine(ctx, "asmon", models.NewLine(1700000010, nil), []byte("ts-bytes"))
	require.NoError(t, err)

	require.Len(t, queue.enqueued, 1)
	upload := queue.enqueued[0]
	assert.Equal(t, "asmon", upload.Key)
	assert.Equal(t, line.ID, upload.LineID)

	data, err := os.ReadFile(upload.Path)
	require.NoError(t, err)
	assert.Equal(t, "ts-bytes", string(data))
}

func TestStore_AddNewLine_EmptyMediaIsNoOp(t *testing.T) {
	s, _, queue := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	_, err := s.AddNewLine(ctx, "asmon", models.NewLine(1700000010, nil), nil)
	require.NoError(t, err)

	assert.Empty(t, queue.enqueued)
}

func TestStore_AddNewLine_ConflictSyncsBeforeEnqueue(t *testing.T) {
	s, pub, queue := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	pub.postLineErr = relay.ErrConflict

	_, err := s.AddNewLine(ctx, "asmon", models.NewLine(1700000010, models.SegmentList{{Text: "hi"}}), []byte("media"))
	require.NoError(t, err)

	// Sync must complete before the media is enqueued or the relay
	// would drop media for a line it does not know.
	require.Len(t, pub.syncs, 1)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, "sync", pub.calls[len(pub.calls)-1])
	assert.Equal(t, "vid123", pub.syncs[0].ActiveID)
	assert.Len(t, pub.syncs[0].Transcript, 1)
}

func TestStore_AddNewLine_TransportFailureSkipsEnqueue(t *testing.T) {
	s, pub, queue := newTestStore(t, true)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "audio"))
	pub.postLineErr = assert.AnError

	line, err := s.AddNewLine(ctx, "asmon", models.NewLine(1700000010, nil), []byte("media"))
	require.NoError(t, err)

	// The line stays durable on disk even though publication failed.
	lines, err := s.Lines("asmon")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, line.ID, lines[0].ID)
	assert.Empty(t, queue.enqueued)
}

func TestStore_RelayDisabled_WritesBannerAndLines(t *testing.T) {
	s, pub, _ := newTestStore(t, false)
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "none"))
	_, err := s.AddNewLine(ctx, "asmon",
		models.NewLine(1700000000+3723, models.SegmentList{{Text: "hello chat"}}), nil)
	require.NoError(t, err)

	content, err := os.ReadFile(s.Paths().TranscriptPath("asmon"))
	require.NoError(t, err)
	text := string(content)
	assert.Contains(t, text, "Activating stream morning stream [vid123] started at [1700000000]\n")
	assert.Contains(t, text, "[01:02:03] hello chat")

	assert.Empty(t, pub.calls)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := New(Options{BaseDir: dir, RelayEnabled: false})
	require.NoError(t, err)
	require.NoError(t, s1.Activate(ctx, "asmon", testInfo(), "audio"))
	_, err = s1.AddNewLine(ctx, "asmon", models.NewLine(1700000010, nil), nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(Options{BaseDir: dir, RelayEnabled: false})
	require.NoError(t, err)
	defer s2.Close()

	state, err := s2.State("asmon")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "vid123", state.StreamID)

	line, err := s2.AddNewLine(ctx, "asmon", models.NewLine(1700000020, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), line.ID)
}

func TestStore_ArchivesPreviousTranscript(t *testing.T) {
	pub := &fakePublisher{}
	s, err := New(Options{
		BaseDir:        t.TempDir(),
		RelayEnabled:   false,
		Publisher:      pub,
		ArchiveEnabled: true,
		ArchiveKeep:    5,
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Activate(ctx, "asmon", testInfo(), "none"))
	_, err = s.AddNewLine(ctx, "asmon", models.NewLine(1700000010, models.SegmentList{{Text: "old words"}}), nil)
	require.NoError(t, err)

	require.NoError(t, s.Activate(ctx, "asmon", models.StreamInfo{ID: "vid456", Title: "next"}, "none"))

	archivePath := s.Paths().ArchivePath("asmon", "vid123")
	require.FileExists(t, archivePath)

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()
	xr, err := xz.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(xr)
	require.NoError(t, err)
	assert.Contains(t, string(data), "old words")

	// New transcript holds only the new banner.
	content, err := os.ReadFile(s.Paths().TranscriptPath("asmon"))
	require.NoError(t, err)
	assert.NotContains(t, string(content), "old words")
	assert.Contains(t, string(content), "[vid456]")
}

func TestStore_PruneArchives(t *testing.T) {
	s, err := New(Options{
		BaseDir:        t.TempDir(),
		RelayEnabled:   false,
		ArchiveEnabled: true,
		ArchiveKeep:    2,
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreatePaths("asmon"))
	keyDir := s.Paths().KeyDir("asmon")
	for i, name := range []string{"transcript-a.text.xz", "transcript-b.text.xz", "transcript-c.text.xz"} {
		path := filepath.Join(keyDir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		mod := time.Now().Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(path, mod, mod))
	}

	s.pruneArchives("asmon")

	entries, err := os.ReadDir(keyDir)
	require.NoError(t, err)
	var archives []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".xz" {
			archives = append(archives, e.Name())
		}
	}
	require.Len(t, archives, 2)
	assert.NotContains(t, archives, "transcript-a.text.xz")
}
