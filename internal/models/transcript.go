package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Segment is a single piece of transcribed speech. Timestamp is the
// absolute unix second the speech occurred, derived from the chunk's
// audio start plus the engine's relative offset.
type Segment struct {
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// SegmentList is a JSON-serialized list of segments stored in a single
// database column.
type SegmentList []Segment

// Value implements driver.Valuer.
func (s SegmentList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling segments: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *SegmentList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for SegmentList: %T", value)
	}

	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, s)
}

// UnassignedLineID marks a line whose id the store has not yet assigned.
const UnassignedLineID int64 = -1

// TranscriptLine is one published transcript line. IDs are dense per key:
// the first line of a stream gets 0 and each following line increments by
// one, with no gaps. The relay relies on this to detect missed lines.
type TranscriptLine struct {
	ID             int64       `gorm:"primarykey;autoIncrement:false" json:"id"`
	Timestamp      int64       `json:"timestamp"`
	Segments       SegmentList `gorm:"type:text" json:"segments"`
	MediaAvailable bool        `json:"mediaAvailable"`
	CreatedAt      time.Time   `json:"-"`
}

// NewLine builds an unassigned transcript line for the given audio start.
func NewLine(timestamp int64, segments []Segment) TranscriptLine {
	return TranscriptLine{
		ID:        UnassignedLineID,
		Timestamp: timestamp,
		Segments:  segments,
	}
}

// Text joins the segment texts with single spaces.
func (l TranscriptLine) Text() string {
	texts := make([]string, 0, len(l.Segments))
	for _, seg := range l.Segments {
		texts = append(texts, seg.Text)
	}
	return strings.Join(texts, " ")
}

// Render formats the line for text output: a [HH:MM:SS] timestamp
// followed by the joined segment texts. When streamStart is non-zero the
// timestamp is the offset into the stream, otherwise it is the wall-clock
// time of the line in the local timezone.
func (l TranscriptLine) Render(streamStart int64) string {
	var stamp string
	if streamStart != 0 {
		offset := l.Timestamp - streamStart
		if offset < 0 {
			offset = 0
		}
		stamp = fmt.Sprintf("%02d:%02d:%02d", offset/3600, (offset/60)%60, offset%60)
	} else {
		stamp = time.Unix(l.Timestamp, 0).Format("15:04:05")
	}
	return fmt.Sprintf("[%s] %s", stamp, l.Text())
}
