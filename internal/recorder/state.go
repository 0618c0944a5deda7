package recorder

import (
	"fmt"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/transcript"
	"github.com/MrWong99/meetscribe/pkg/transport"
)

// Status is the lifecycle state of a [Recorder].
//
//	Idle → Starting → Recording → Stopping → Stopped
//	          │            └──────────┴────→ Interrupted | Failed
//	          └────────────────────────────→ Failed
type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusRecording
	StatusStopping
	StatusStopped
	StatusInterrupted
	StatusFailed
)

// String returns a human-readable label for the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusRecording:
		return "recording"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusInterrupted:
		return "interrupted"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the recording has ended for good.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusInterrupted || s == StatusFailed
}

// Snapshot is a point-in-time copy of a recording's state. Snapshots own
// their slices; callers may keep and modify them.
type Snapshot struct {
	SessionID string `json:"session_id"`
	MeetingID string `json:"meeting_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Source    string `json:"source"`

	Status    Status `json:"status"`
	Recording bool   `json:"recording"`

	StartedAt time.Time     `json:"started_at,omitzero"`
	Elapsed   time.Duration `json:"elapsed"`

	Level     audio.Level     `json:"level"`
	Transport transport.State `json:"transport"`

	// Segments holds every entry in display order, the current partial
	// included.
	Segments []transcript.Segment `json:"segments"`

	// Partial is the utterance still being recognised, if any.
	Partial *transcript.Segment `json:"partial,omitempty"`

	// LastBackendError is the most recent error message the backend sent.
	// Backend errors do not end the recording.
	LastBackendError string `json:"last_backend_error,omitempty"`

	// DroppedFrames counts frames lost to capture lag or encoding failures.
	DroppedFrames int64 `json:"dropped_frames"`

	SummaryTaskID string `json:"summary_task_id,omitempty"`

	// Err describes why the recording ended abnormally.
	Err string `json:"error,omitempty"`
}

// Finalized returns the committed segments of s in display order.
func (s Snapshot) Finalized() []transcript.Segment {
	var out []transcript.Segment
	for _, seg := range s.Segments {
		if seg.Stage.Final() {
			out = append(out, seg)
		}
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Segments = append([]transcript.Segment(nil), s.Segments...)
	if s.Partial != nil {
		p := *s.Partial
		c.Partial = &p
	}
	return c
}
