package models

// StreamInfo describes a live stream as discovered by the probe.
type StreamInfo struct {
	// ID is the platform-assigned video/broadcast identifier.
	ID string `json:"id"`

	// Title is the human readable stream title.
	Title string `json:"title"`

	// StartTime is the unix timestamp the broadcast went live, or 0 when
	// the platform did not report one.
	StartTime int64 `json:"start_time"`
}

// KeyState is the persisted per-streamer stream state. Each streamer key
// owns its own database file with exactly one KeyState row while a stream
// is being followed.
type KeyState struct {
	BaseModel
	StreamID  string `gorm:"index" json:"stream_id"`
	Title     string `json:"title"`
	StartTime int64  `json:"start_time"`
	MediaType string `json:"media_type"`
	Active    bool   `json:"active"`
}

// Info returns the stream descriptor for this state.
func (k KeyState) Info() StreamInfo {
	return StreamInfo{ID: k.StreamID, Title: k.Title, StartTime: k.StartTime}
}
