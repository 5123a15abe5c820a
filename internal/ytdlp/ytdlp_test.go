package ytdlp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStripDate(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"iso date", "Morning Show 2026-03-01", "Morning Show"},
		{"slash date", "Morning Show 01/03/2026", "Morning Show"},
		{"clock", "Live at 14:30 tonight", "Live at  tonight"},
		{"no date", "Just Chatting", "Just Chatting"},
		{"date in middle", "VOD 2026-03-01 rerun", "VOD  rerun"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripDate(tt.title))
		})
	}
}

func TestIsTwitch(t *testing.T) {
	assert.True(t, IsTwitch("https://www.twitch.tv/somechannel"))
	assert.True(t, IsTwitch("https://WWW.TWITCH.TV/somechannel"))
	assert.False(t, IsTwitch("https://www.youtube.com/@somechannel/live"))
}

func TestProber_BuildInfo_YouTube(t *testing.T) {
	p := NewProber("", slog.Default())

	info := p.buildInfo("https://youtube.com/watch?v=abc", probeMetadata{
		ID:               "abc",
		Title:            "Community Stream 2026-03-01",
		IsLive:           true,
		ReleaseTimestamp: 1700000000,
		Timestamp:        1699990000,
	})

	assert.Equal(t, "abc", info.ID)
	assert.Equal(t, "Community Stream", info.Title)
	assert.Equal(t, int64(1700000000), info.StartTime)
}

func TestProber_BuildInfo_TwitchTitleAndStart(t *testing.T) {
	p := NewProber("", slog.Default())

	info := p.buildInfo("https://twitch.tv/somechannel", probeMetadata{
		ID:          "v999",
		Title:       "ignored raw title",
		DisplayID:   "somechannel",
		Description: "speedrun sunday",
		Timestamp:   1700000123,
	})

	assert.Equal(t, "somechannel - speedrun sunday", info.Title)
	assert.Equal(t, int64(1700000123), info.StartTime)
}

func TestProber_BuildInfo_StartTimeFallbacks(t *testing.T) {
	p := NewProber("", slog.Default())

	// release_timestamp missing: fall back to timestamp.
	info := p.buildInfo("https://youtube.com/watch?v=abc", probeMetadata{
		ID: "abc", Timestamp: 1700000777,
	})
	assert.Equal(t, int64(1700000777), info.StartTime)

	// Both missing: wall clock.
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	info = p.buildInfo("https://youtube.com/watch?v=abc", probeMetadata{ID: "abc"})
	assert.Equal(t, fixed.Unix(), info.StartTime)
}

func TestNewStreamProcess_Args(t *testing.T) {
	p := NewStreamProcess(context.Background(), "yt-dlp", "https://twitch.tv/ch", FormatBestAudio)

	args := p.cmd.Args
	assert.Contains(t, args, "-o")
	assert.Contains(t, args, "-")
	assert.Contains(t, args, "is_live")
	assert.Contains(t, args, "ba")
	assert.Equal(t, "https://twitch.tv/ch", args[len(args)-1])
}

func TestNewFragmentProcess_Args(t *testing.T) {
	p := NewFragmentProcess(context.Background(), "yt-dlp",
		"https://youtube.com/watch?v=abc", FormatDASHVideo, "/tmp/frags")

	args := p.cmd.Args
	assert.Contains(t, args, "--live-from-start")
	assert.Contains(t, args, "--keep-fragments")
	assert.Contains(t, args, "/tmp/frags/%(id)s.%(format_id)s")
	assert.NotContains(t, args, "-o -")
}

func TestProcess_StderrTailBounded(t *testing.T) {
	p := &Process{}
	w := &stderrWriter{p: p}

	big := make([]byte, 3*stderrTailLimit)
	for i := range big {
		big[i] = 'x'
	}
	_, err := w.Write(big)
	assert.NoError(t, err)
	assert.LessOrEqual(t, len(p.StderrTail()), stderrTailLimit)
}
