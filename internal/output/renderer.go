package output

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/MrWong99/meetscribe/internal/recorder"
	"github.com/MrWong99/meetscribe/pkg/transcript"
)

const (
	meterWidth   = 10
	partialWidth = 60

	// clearLine returns the cursor to column 0 and erases the line.
	clearLine = "\r\033[K"
)

// Renderer draws a recording on a terminal. Committed segments scroll: a
// segment is printed once it becomes raw and printed again when it is
// polished. Below them a single status line is rewritten in place with the
// elapsed time, a level meter, the stream state and the current partial.
//
// A Renderer is not safe for concurrent use.
type Renderer struct {
	w       io.Writer
	printed map[string]transcript.Stage
	status  bool
	lastErr string
}

func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{w: w, printed: make(map[string]transcript.Stage)}
}

// Render draws the changes between the previous snapshot and s.
func (r *Renderer) Render(s recorder.Snapshot) {
	for _, seg := range s.Segments {
		if !seg.Stage.Final() {
			continue
		}
		if prev, ok := r.printed[seg.ID]; ok && prev >= seg.Stage {
			continue
		}
		r.clearStatus()
		r.segment(seg)
		r.printed[seg.ID] = seg.Stage
	}

	if s.LastBackendError != "" && s.LastBackendError != r.lastErr {
		r.clearStatus()
		fmt.Fprintf(r.w, "⚠️  %s\n", s.LastBackendError)
		r.lastErr = s.LastBackendError
	}

	if s.Recording {
		fmt.Fprint(r.w, clearLine+statusLine(s))
		r.status = true
	}
}

// Finish clears the status line. Call it once the recording has ended.
func (r *Renderer) Finish() {
	r.clearStatus()
}

func (r *Renderer) clearStatus() {
	if r.status {
		fmt.Fprint(r.w, clearLine)
		r.status = false
	}
}

func (r *Renderer) segment(seg transcript.Segment) {
	switch seg.Stage {
	case transcript.StagePolished:
		fmt.Fprintf(r.w, "✓ %s\n", seg.Content)
		if seg.Translated != "" {
			fmt.Fprintf(r.w, "  → %s\n", seg.Translated)
		}
	default:
		fmt.Fprintf(r.w, "· %s\n", seg.Content)
	}
}

func statusLine(s recorder.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "● %s %s %s", clock(s.Elapsed), meter(s.Level.RMS, s.Level.Speaking), s.Transport)
	if s.Partial != nil && s.Partial.Content != "" {
		b.WriteString(" │ ")
		b.WriteString(tail(s.Partial.Content, partialWidth))
	}
	return b.String()
}

func clock(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	sec := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

// meter draws rms on a square-root scale, which tracks perceived loudness
// better than a linear one at speech levels.
func meter(rms float64, speaking bool) string {
	n := int(math.Round(math.Sqrt(max(rms, 0)) * 2 * meterWidth))
	n = min(n, meterWidth)
	fill := "▮"
	if !speaking {
		fill = "▪"
	}
	return "[" + strings.Repeat(fill, n) + strings.Repeat(" ", meterWidth-n) + "]"
}

// tail keeps the last n runes of s so the newest words stay visible.
func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return "…" + string(runes[len(runes)-n+1:])
}
