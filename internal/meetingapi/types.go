package meetingapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/meetscribe/pkg/transcript"
)

// Meeting status values reported by the backend.
const (
	StatusRecording  = "recording"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Meeting is a recorded meeting as stored by the backend.
type Meeting struct {
	ID                 string              `json:"id"`
	Title              string              `json:"title"`
	Status             string              `json:"status"`
	CreatedAt          Timestamp           `json:"created_at"`
	UpdatedAt          Timestamp           `json:"updated_at,omitzero"`
	Duration           float64             `json:"duration,omitempty"`
	AudioURL           string              `json:"audio_url,omitempty"`
	Language           string              `json:"language"`
	TemplateName       string              `json:"template_name"`
	TranscriptRaw      string              `json:"transcript_raw,omitempty"`
	TranscriptPolished string              `json:"transcript_polished,omitempty"`
	SummaryJSON        string              `json:"summary_json,omitempty"`
	TranscriptSegments []TranscriptSegment `json:"transcript_segments,omitempty"`
}

// Timestamp is a backend timestamp. The backend emits ISO 8601 with or
// without a zone offset; values without one are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements [json.Unmarshaler]. null leaves t zero.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("meetingapi: timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("meetingapi: timestamp %q: unrecognised format", s)
}

// MarshalJSON implements [json.Marshaler].
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// MeetingCreate is the body of a create-meeting request.
type MeetingCreate struct {
	Title        string `json:"title"`
	Language     string `json:"language"`
	TemplateName string `json:"template_name"`
}

// TranscriptSegment is one stored transcript line.
type TranscriptSegment struct {
	ID                string  `json:"id,omitempty"`
	Order             int     `json:"order"`
	StartTime         float64 `json:"start_time"`
	EndTime           float64 `json:"end_time"`
	Speaker           string  `json:"speaker,omitempty"`
	ContentRaw        string  `json:"content_raw"`
	ContentPolished   string  `json:"content_polished,omitempty"`
	ContentTranslated string  `json:"content_translated,omitempty"`
	IsFinal           bool    `json:"is_final"`
}

// SegmentsFromTranscript converts finalized transcript segments into the
// upload format, numbered in transcript order. Partials are skipped. A
// polished segment that never arrived raw uploads an empty content_raw.
func SegmentsFromTranscript(segs []transcript.Segment) []TranscriptSegment {
	out := make([]TranscriptSegment, 0, len(segs))
	for _, s := range segs {
		if !s.Stage.Final() {
			continue
		}
		ts := TranscriptSegment{
			ID:                s.ID,
			Order:             len(out),
			ContentRaw:        s.Content,
			ContentTranslated: s.Translated,
			IsFinal:           true,
		}
		if s.Stage == transcript.StagePolished {
			ts.ContentRaw = s.Raw
			ts.ContentPolished = s.Content
		}
		out = append(out, ts)
	}
	return out
}

// SummaryOptions parameterise summary generation. Empty fields are omitted
// from the request.
type SummaryOptions struct {
	TemplateType string
	Context      string
	Length       string
	Style        string
}

// SummaryTask is the backend's acknowledgement of a summary request.
type SummaryTask struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// ErrNotFound matches an [*APIError] with status 404.
var ErrNotFound = errors.New("meetingapi: not found")

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	// Detail is the backend's "detail" field, or the raw body when the
	// response was not JSON.
	Detail string
	Op     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("meetingapi: %s: %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("meetingapi: %s: %d: %s", e.Op, e.StatusCode, e.Detail)
}

// Is reports whether e matches target. A 404 matches [ErrNotFound].
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}
