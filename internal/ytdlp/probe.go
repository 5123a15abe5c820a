// Package ytdlp wraps the yt-dlp binary: stream metadata probing and
// the two downloader child-process shapes the chunkers consume.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/streamscribe/streamscribe/internal/models"
)

// probeTimeout bounds a metadata fetch. yt-dlp -j is expensive, so the
// watcher only calls this between retry sleeps.
const probeTimeout = 30 * time.Second

// datePattern matches the date/time fragments platforms embed in live
// stream titles, which change daily and would defeat title comparison.
var datePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b|\b(\d{2}/\d{2}/\d{4})\b|\b(\d{2}:\d{2})\b`)

// StripDate removes date and clock fragments from a stream title.
func StripDate(title string) string {
	return strings.TrimSpace(datePattern.ReplaceAllString(title, ""))
}

// IsTwitch reports whether the URL points at Twitch.
func IsTwitch(url string) bool {
	return strings.Contains(strings.ToLower(url), "twitch.tv")
}

// probeMetadata is the subset of yt-dlp -j output the prober reads.
type probeMetadata struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	IsLive           bool   `json:"is_live"`
	ReleaseTimestamp int64  `json:"release_timestamp"`
	Timestamp        int64  `json:"timestamp"`
	DisplayID        string `json:"display_id"`
	Description      string `json:"description"`
}

// Prober fetches live stream metadata.
type Prober struct {
	binaryPath string
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewProber creates a prober. An empty binaryPath resolves yt-dlp from
// PATH.
func NewProber(binaryPath string, logger *slog.Logger) *Prober {
	if binaryPath == "" {
		binaryPath = "yt-dlp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{binaryPath: binaryPath, logger: logger, now: time.Now}
}

// Probe fetches metadata for the URL. Returns nil without error when the
// channel is offline; member-only and not-yet-live streams surface as
// yt-dlp failures and are treated the same way.
func (p *Prober) Probe(ctx context.Context, url string) (*models.StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binaryPath, "-j", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		p.logger.Debug("stream probe reported offline",
			slog.String("url", url), slog.String("error", err.Error()))
		return nil, nil
	}

	var meta probeMetadata
	if err := json.Unmarshal(stdout.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("parsing yt-dlp metadata: %w", err)
	}
	if !meta.IsLive {
		return nil, nil
	}

	return p.buildInfo(url, meta), nil
}

// buildInfo converts probe metadata into a StreamInfo.
//
// YouTube reports the broadcast start in release_timestamp, Twitch in
// timestamp. Twitch titles rotate daily, so the channel display id plus
// stream description is a stabler title.
func (p *Prober) buildInfo(url string, meta probeMetadata) *models.StreamInfo {
	info := &models.StreamInfo{
		ID:    meta.ID,
		Title: StripDate(meta.Title),
	}

	start := meta.ReleaseTimestamp
	if IsTwitch(url) {
		info.Title = fmt.Sprintf("%s - %s", orUnknown(meta.DisplayID), orUnknown(meta.Description))
		start = meta.Timestamp
	}
	if start == 0 {
		start = meta.Timestamp
		if start == 0 {
			start = p.now().Unix()
			p.logger.Warn("stream start time missing from metadata, using wall clock",
				slog.String("url", url), slog.String("stream_id", meta.ID))
		}
	}
	info.StartTime = start
	return info
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
