package transcript

// Reconciler merges [Update]s into an ordered segment list. Segments are
// ordered by arrival, not by id, and at most one entry exists per id.
//
// A Reconciler is not safe for concurrent use; it is meant to be owned by the
// single goroutine that consumes the transport's inbound messages.
type Reconciler struct {
	segments []Segment
}

// NewReconciler returns an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Apply merges u into the segment list and reports whether the list changed.
//
//   - partial: replaces the content of the same-id partial in place, or
//     appends a new partial. Ignored once the id is final.
//   - raw: drops the same-id partial. Non-empty content appends a raw entry
//     (or refreshes an existing raw entry in place); empty content retracts
//     the utterance. Ignored once the id is polished.
//   - polished: replaces the same-id raw or polished entry in place, keeping
//     the recognized text in Raw and attaching the translation, or drops any
//     partial and appends.
func (r *Reconciler) Apply(u Update) bool {
	switch u.Stage {
	case StagePartial:
		return r.applyPartial(u)
	case StageRaw:
		return r.applyRaw(u)
	case StagePolished:
		return r.applyPolished(u)
	default:
		return false
	}
}

func (r *Reconciler) applyPartial(u Update) bool {
	i := r.index(u.ID)
	if i < 0 {
		r.segments = append(r.segments, Segment{ID: u.ID, Stage: StagePartial, Content: u.Content})
		return true
	}
	if r.segments[i].Stage != StagePartial {
		return false
	}
	if r.segments[i].Content == u.Content {
		return false
	}
	r.segments[i].Content = u.Content
	return true
}

func (r *Reconciler) applyRaw(u Update) bool {
	i := r.index(u.ID)
	if i >= 0 {
		switch r.segments[i].Stage {
		case StagePolished:
			return false
		case StageRaw:
			if u.Content == "" {
				r.remove(i)
				return true
			}
			if r.segments[i].Content == u.Content {
				return false
			}
			r.segments[i].Content = u.Content
			return true
		case StagePartial:
			r.remove(i)
		}
	}
	if u.Content == "" {
		return i >= 0
	}
	r.segments = append(r.segments, Segment{ID: u.ID, Stage: StageRaw, Content: u.Content})
	return true
}

func (r *Reconciler) applyPolished(u Update) bool {
	i := r.index(u.ID)
	if i >= 0 && r.segments[i].Stage.Final() {
		if r.segments[i].Stage == StageRaw {
			r.segments[i].Raw = r.segments[i].Content
		}
		r.segments[i].Stage = StagePolished
		r.segments[i].Content = u.Content
		r.segments[i].Translated = u.Translated
		return true
	}
	if i >= 0 {
		r.remove(i)
	}
	r.segments = append(r.segments, Segment{
		ID:         u.ID,
		Stage:      StagePolished,
		Content:    u.Content,
		Translated: u.Translated,
	})
	return true
}

func (r *Reconciler) index(id string) int {
	for i := range r.segments {
		if r.segments[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) remove(i int) {
	r.segments = append(r.segments[:i], r.segments[i+1:]...)
}

// Len returns the number of entries, partials included.
func (r *Reconciler) Len() int { return len(r.segments) }

// Segments returns a copy of the full list in display order.
func (r *Reconciler) Segments() []Segment {
	out := make([]Segment, len(r.segments))
	copy(out, r.segments)
	return out
}

// Finalized returns the committed (raw or polished) entries in display order.
func (r *Reconciler) Finalized() []Segment {
	var out []Segment
	for _, s := range r.segments {
		if s.Stage.Final() {
			out = append(out, s)
		}
	}
	return out
}

// CurrentPartial returns the most recently positioned partial, if any.
func (r *Reconciler) CurrentPartial() (Segment, bool) {
	for i := len(r.segments) - 1; i >= 0; i-- {
		if r.segments[i].Stage == StagePartial {
			return r.segments[i], true
		}
	}
	return Segment{}, false
}

// Reset discards all segments.
func (r *Reconciler) Reset() { r.segments = nil }
