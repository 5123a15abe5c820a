package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestULID_Roundtrip(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULID_ScanValue(t *testing.T) {
	id := NewULID()

	v, err := id.Value()
	require.NoError(t, err)

	var scanned ULID
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, id, scanned)

	var zero ULID
	require.NoError(t, zero.Scan(nil))
	assert.True(t, zero.IsZero())
}

func TestSegmentList_ScanValue(t *testing.T) {
	segs := SegmentList{
		{Timestamp: 1700000000, Text: "hello"},
		{Timestamp: 1700000002, Text: "chat"},
	}

	v, err := segs.Value()
	require.NoError(t, err)

	var scanned SegmentList
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, segs, scanned)

	var empty SegmentList
	v, err = empty.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)
}

func TestNewLine(t *testing.T) {
	line := NewLine(1700000000, []Segment{{Timestamp: 1700000000, Text: "hi"}})
	assert.Equal(t, UnassignedLineID, line.ID)
	assert.Equal(t, int64(1700000000), line.Timestamp)
}

func TestTranscriptLine_Render_RelativeTimestamp(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()
	line := TranscriptLine{
		ID:        4,
		Timestamp: start + 3723, // 1h 2m 3s in
		Segments:  SegmentList{{Text: "hello"}, {Text: "there"}},
	}

	assert.Equal(t, "[01:02:03] hello there", line.Render(start))
}

func TestTranscriptLine_Render_ClampsNegativeOffset(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix()
	line := TranscriptLine{
		Timestamp: start - 5,
		Segments:  SegmentList{{Text: "early"}},
	}

	assert.Equal(t, "[00:00:00] early", line.Render(start))
}

func TestTranscriptLine_Render_WallClockWhenNoStart(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 9, 8, 7, 0, time.Local)
	line := TranscriptLine{
		Timestamp: stamp.Unix(),
		Segments:  SegmentList{{Text: "hello"}},
	}

	assert.Equal(t, "[09:08:07] hello", line.Render(0))
}

func TestKeyState_Info(t *testing.T) {
	state := KeyState{
		StreamID:  "abc123",
		Title:     "cooking stream",
		StartTime: 1700000000,
		Active:    true,
	}

	info := state.Info()
	assert.Equal(t, "abc123", info.ID)
	assert.Equal(t, "cooking stream", info.Title)
	assert.Equal(t, int64(1700000000), info.StartTime)
}

func TestNewChunk(t *testing.T) {
	session := uuid.New()
	chunk := NewChunk("asmon", session, []byte{1, 2, 3}, 12.5, 6.0)

	assert.False(t, chunk.ID.IsZero())
	assert.Equal(t, "asmon", chunk.Key)
	assert.Equal(t, session, chunk.Session)
	assert.Equal(t, 12.5, chunk.Start)
	assert.Equal(t, 6.0, chunk.Duration)
	assert.WithinDuration(t, time.Now(), chunk.CapturedAt, time.Second)
}
