// Package relay implements the HTTP client side of the relay wire
// protocol. Every request carries the configured API key in the
// X-API-Key header. Calls are best-effort: the relay is eventually
// consistent and resyncs itself from local state on conflict.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/streamscribe/streamscribe/internal/httpclient"
	"github.com/streamscribe/streamscribe/internal/models"
)

// HeaderAPIKey authenticates every relay request.
const HeaderAPIKey = "X-API-Key"

// ErrConflict is returned by PostLine when the relay answers 409,
// meaning it has lost track of the key's line sequence and needs a
// full-state sync.
var ErrConflict = errors.New("relay state conflict")

// KeyStateJSON is the full per-key state pushed to /sync. It is the
// relay's authoritative reset payload.
type KeyStateJSON struct {
	ActiveID    string                  `json:"activeId"`
	ActiveTitle string                  `json:"activeTitle"`
	StartTime   int64                   `json:"startTime"`
	MediaType   string                  `json:"mediaType"`
	IsLive      bool                    `json:"isLive"`
	Transcript  []models.TranscriptLine `json:"transcript"`
}

// KeyStatus is one key's entry in the periodic status report.
type KeyStatus struct {
	Key      string `json:"key"`
	IsLive   bool   `json:"is_live"`
	StreamID string `json:"stream_id,omitempty"`
}

// StatusReport is the payload for POST /status.
type StatusReport struct {
	Version   string      `json:"version"`
	BuildTime string      `json:"build_time"`
	Keys      []KeyStatus `json:"keys"`
}

// Client talks to the relay server.
type Client struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
	logger  *slog.Logger
}

// New creates a relay client. baseURL is the relay root without a
// trailing slash.
func New(baseURL, apiKey string, hc *httpclient.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		hc = httpclient.NewWithDefaults()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
		logger:  logger,
	}
}

// Activate announces a newly live stream for a key.
func (c *Client) Activate(ctx context.Context, key string, info models.StreamInfo, mediaType string) error {
	q := url.Values{}
	q.Set("id", info.ID)
	q.Set("title", info.Title)
	q.Set("startTime", strconv.FormatInt(info.StartTime, 10))
	q.Set("mediaType", mediaType)

	return c.post(ctx, fmt.Sprintf("/%s/activate?%s", url.PathEscape(key), q.Encode()), "", nil)
}

// Deactivate marks a key's stream as offline.
func (c *Client) Deactivate(ctx context.Context, key, streamID string) error {
	q := url.Values{}
	q.Set("id", streamID)

	return c.post(ctx, fmt.Sprintf("/%s/deactivate?%s", url.PathEscape(key), q.Encode()), "", nil)
}

// PostLine publishes one transcript line. Returns ErrConflict when the
// relay answers 409 and the caller must Sync before continuing.
func (c *Client) PostLine(ctx context.Context, key string, line models.TranscriptLine) error {
	body, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshaling line: %w", err)
	}

	status, err := c.postStatus(ctx, fmt.Sprintf("/%s/line", url.PathEscape(key)), "application/json", body)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return ErrConflict
	}
	if status != http.StatusOK {
		c.logger.Warn("relay rejected line",
			slog.String("key", key),
			slog.Int64("line_id", line.ID),
			slog.Int("status", status),
		)
	}
	return nil
}

// Sync pushes the full key state to the relay.
func (c *Client) Sync(ctx context.Context, key string, state KeyStateJSON) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling key state: %w", err)
	}
	return c.post(ctx, fmt.Sprintf("/%s/sync", url.PathEscape(key)), "application/json", body)
}

// UploadMedia posts the media file for a transcript line as a multipart
// form with a single "file" field.
func (c *Client) UploadMedia(ctx context.Context, key string, lineID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening media file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fmt.Sprintf("media_%d.bin", lineID))
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading media file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	return c.post(ctx,
		fmt.Sprintf("/%s/media/%d", url.PathEscape(key), lineID),
		mw.FormDataContentType(), buf.Bytes())
}

// ReportStatus posts the periodic status report.
func (c *Client) ReportStatus(ctx context.Context, report StatusReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling status report: %w", err)
	}
	return c.post(ctx, "/status", "application/json", body)
}

// post performs a POST and warns on any non-200 response.
func (c *Client) post(ctx context.Context, path, contentType string, body []byte) error {
	status, err := c.postStatus(ctx, path, contentType, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		c.logger.Warn("unexpected relay response",
			slog.String("path", strings.SplitN(path, "?", 2)[0]),
			slog.Int("status", status),
		)
	}
	return nil
}

// postStatus performs a POST and returns the response status code.
func (c *Client) postStatus(ctx context.Context, path, contentType string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("creating relay request: %w", err)
	}
	req.Header.Set(HeaderAPIKey, c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
