// Package output formats command results and the live transcript for the
// terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/meetscribe/internal/meetingapi"
	"github.com/MrWong99/meetscribe/internal/recorder"
	"github.com/MrWong99/meetscribe/pkg/capture"
)

type Formatter struct {
	w io.Writer
}

func NewFormatter(w io.Writer) *Formatter {
	return &Formatter{w: w}
}

func (f *Formatter) RecordingStarted(s recorder.Snapshot, statusAddr string) {
	fmt.Fprintf(f.w, "🔴 Recording %q from %s (meeting %s)\n", s.Title, s.Source, s.MeetingID)
	if statusAddr != "" {
		fmt.Fprintf(f.w, "   Status: http://%s/v1/session\n", statusAddr)
	}
	fmt.Fprintf(f.w, "   Press Ctrl+C to stop.\n\n")
}

func (f *Formatter) RecordingStopped(s recorder.Snapshot) {
	segs := len(s.Finalized())
	switch s.Status {
	case recorder.StatusInterrupted:
		fmt.Fprintf(f.w, "⚠️  Recording interrupted after %s: %s\n", formatDuration(s.Elapsed), s.Err)
	case recorder.StatusFailed:
		fmt.Fprintf(f.w, "❌ Recording failed after %s: %s\n", formatDuration(s.Elapsed), s.Err)
	default:
		fmt.Fprintf(f.w, "⏹️  Recording stopped (%s)\n", formatDuration(s.Elapsed))
	}
	fmt.Fprintf(f.w, "📝 %d segments", segs)
	if s.DroppedFrames > 0 {
		fmt.Fprintf(f.w, ", %d frames dropped", s.DroppedFrames)
	}
	fmt.Fprintln(f.w)
	if s.SummaryTaskID != "" {
		fmt.Fprintf(f.w, "🤖 Summary requested (task %s)\n", s.SummaryTaskID)
	}
	if s.MeetingID != "" {
		fmt.Fprintf(f.w, "\n📁 Meeting saved: %s\n", s.MeetingID)
	}
}

func (f *Formatter) Error(msg string) {
	fmt.Fprintf(f.w, "❌ %s\n", msg)
}

func (f *Formatter) Info(msg string) {
	fmt.Fprintf(f.w, "ℹ️  %s\n", msg)
}

func (f *Formatter) Success(msg string) {
	fmt.Fprintf(f.w, "✅ %s\n", msg)
}

func (f *Formatter) Warning(msg string) {
	fmt.Fprintf(f.w, "⚠️  %s\n", msg)
}

// JSON writes v as indented JSON.
func (f *Formatter) JSON(v any) error {
	enc := json.NewEncoder(f.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *Formatter) MeetingListHeader() {
	fmt.Fprintf(f.w, "📁 Meetings:\n\n")
}

func (f *Formatter) MeetingListItem(m meetingapi.Meeting) {
	fmt.Fprintf(f.w, "  %s  %-16s  %s%s\n", m.ID, m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Title, statusMark(m.Status))
}

// Meeting prints one meeting with its transcript.
func (f *Formatter) Meeting(m *meetingapi.Meeting) {
	fmt.Fprintf(f.w, "%s%s\n", m.Title, statusMark(m.Status))
	fmt.Fprintf(f.w, "  id:       %s\n", m.ID)
	fmt.Fprintf(f.w, "  created:  %s\n", m.CreatedAt.Local().Format(time.DateTime))
	if m.Duration > 0 {
		fmt.Fprintf(f.w, "  duration: %s\n", formatDuration(time.Duration(m.Duration*float64(time.Second))))
	}
	fmt.Fprintf(f.w, "  language: %s, template: %s\n", m.Language, m.TemplateName)

	if len(m.TranscriptSegments) > 0 {
		fmt.Fprintf(f.w, "\nTranscript:\n")
		for _, s := range m.TranscriptSegments {
			text := s.ContentPolished
			if text == "" {
				text = s.ContentRaw
			}
			fmt.Fprintf(f.w, "  %s\n", text)
			if s.ContentTranslated != "" {
				fmt.Fprintf(f.w, "    → %s\n", s.ContentTranslated)
			}
		}
	} else if t := firstNonEmpty(m.TranscriptPolished, m.TranscriptRaw); t != "" {
		fmt.Fprintf(f.w, "\nTranscript:\n%s\n", t)
	}
	if m.SummaryJSON != "" {
		fmt.Fprintf(f.w, "\nSummary:\n%s\n", m.SummaryJSON)
	}
}

func (f *Formatter) Devices(devs []capture.Device) {
	if len(devs) == 0 {
		f.Info("No capture devices found")
		return
	}
	fmt.Fprintf(f.w, "🎙️  Capture sources:\n\n")
	for _, d := range devs {
		mark := ""
		if d.Default {
			mark = " (default)"
		}
		fmt.Fprintf(f.w, "  %-8s %s%s\n", d.Kind, selectorFor(d), mark)
		if d.Name != "" && d.Name != d.ID {
			fmt.Fprintf(f.w, "           %s\n", d.Name)
		}
	}
}

func (f *Formatter) Corrections(c map[string]string) {
	if len(c) == 0 {
		f.Info("No corrections configured")
		return
	}
	for _, k := range slices.Sorted(maps.Keys(c)) {
		fmt.Fprintf(f.w, "  %s → %s\n", k, c[k])
	}
}

func (f *Formatter) SetupCheck(name string, ok bool, detail string) {
	if ok {
		fmt.Fprintf(f.w, "  ✅ %s: %s\n", name, detail)
	} else {
		fmt.Fprintf(f.w, "  ❌ %s: %s\n", name, detail)
	}
}

func selectorFor(d capture.Device) string {
	return capture.Selector{Kind: d.Kind, Device: d.ID}.String()
}

func statusMark(status string) string {
	switch status {
	case meetingapi.StatusCompleted:
		return " ✅"
	case meetingapi.StatusProcessing:
		return " ⏳"
	case meetingapi.StatusRecording:
		return " 🔴"
	case meetingapi.StatusFailed:
		return " ❌"
	}
	return ""
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
