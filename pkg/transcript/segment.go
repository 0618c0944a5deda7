// Package transcript reconciles the stage-tagged messages a transcription
// backend streams for one recording into a stable, ordered segment list.
//
// Every utterance moves through a refinement lattice of stages:
//
//	partial → raw → polished
//
// A partial is provisional text that may still change. A raw segment is the
// committed recognition result. A polished segment has been cleaned up by the
// backend and may carry a translation. Stages never regress for a given
// segment id.
package transcript

import "fmt"

// Stage is the refinement level of a transcript segment.
type Stage int

const (
	StagePartial Stage = iota
	StageRaw
	StagePolished
)

// String returns the wire name of the stage.
func (s Stage) String() string {
	switch s {
	case StagePartial:
		return "partial"
	case StageRaw:
		return "raw"
	case StagePolished:
		return "polished"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// MarshalText renders the stage by its wire name.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStage maps a wire message type to a [Stage].
func ParseStage(s string) (Stage, bool) {
	switch s {
	case "partial":
		return StagePartial, true
	case "raw":
		return StageRaw, true
	case "polished":
		return StagePolished, true
	default:
		return 0, false
	}
}

// Final reports whether the stage is committed text (raw or polished).
func (s Stage) Final() bool { return s != StagePartial }

// Segment is one unit of transcript text.
type Segment struct {
	// ID is assigned by the backend and stable across updates to the same
	// utterance.
	ID string `json:"id"`

	Stage Stage `json:"stage"`

	// Content is the source-language text.
	Content string `json:"content"`

	// Translated is empty until a polished update carrying a translation
	// arrives.
	Translated string `json:"translated,omitempty"`

	// Raw keeps the recognized text of a polished segment that was raw
	// first. Empty for raw segments, whose Content is the recognized text.
	Raw string `json:"raw,omitempty"`
}

// Update is one inbound stage-tagged message.
type Update struct {
	ID         string
	Stage      Stage
	Content    string
	Translated string
}
