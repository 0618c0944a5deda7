package transcript

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"testing"
)

func partial(id, content string) Update { return Update{ID: id, Stage: StagePartial, Content: content} }
func raw(id, content string) Update     { return Update{ID: id, Stage: StageRaw, Content: content} }
func polished(id, content, tr string) Update {
	return Update{ID: id, Stage: StagePolished, Content: content, Translated: tr}
}

func ids(segs []Segment) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.ID
	}
	return out
}

func assertEqual[T comparable](t *testing.T, label string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %v, got %v", label, want, got)
	}
}

func TestReconciler_Monotonic(t *testing.T) {
	t.Parallel()
	r := NewReconciler()

	r.Apply(partial("1", "hel"))
	r.Apply(partial("1", "hello wor"))
	if seg, ok := r.CurrentPartial(); !ok || seg.Content != "hello wor" {
		t.Fatalf("current partial: got %+v, %v", seg, ok)
	}
	assertEqual(t, "len after partials", 1, r.Len())

	r.Apply(raw("1", "hello world"))
	fin := r.Finalized()
	assertEqual(t, "finalized after raw", 1, len(fin))
	assertEqual(t, "translation before polish", "", fin[0].Translated)
	if _, ok := r.CurrentPartial(); ok {
		t.Error("partial should be gone after raw")
	}

	r.Apply(polished("1", "Hello, world.", "Hallo, Welt."))
	fin = r.Finalized()
	assertEqual(t, "len", 1, r.Len())
	assertEqual(t, "stage", StagePolished, fin[0].Stage)
	assertEqual(t, "content", "Hello, world.", fin[0].Content)
	assertEqual(t, "translated", "Hallo, Welt.", fin[0].Translated)
	assertEqual(t, "raw kept", "hello world", fin[0].Raw)

	// A second polish refines the text but keeps the first recognition.
	r.Apply(polished("1", "Hello, world!", "Hallo, Welt!"))
	assertEqual(t, "raw after repolish", "hello world", r.Finalized()[0].Raw)
}

func TestReconciler_Retraction(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(partial("5", "x"))
	if !r.Apply(raw("5", "")) {
		t.Error("retraction should report a change")
	}
	assertEqual(t, "len", 0, r.Len())
}

func TestReconciler_RetractionOfUnknownID(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	if r.Apply(raw("9", "")) {
		t.Error("retracting an unknown id should be a no-op")
	}
	assertEqual(t, "len", 0, r.Len())
}

func TestReconciler_RetractsRawEntry(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(raw("5", "uh"))
	r.Apply(raw("5", ""))
	assertEqual(t, "len", 0, r.Len())
}

func TestReconciler_PartialReplacedInPlace(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(partial("a", "one"))
	r.Apply(partial("b", "two"))
	r.Apply(partial("a", "one more"))

	segs := r.Segments()
	assertEqual(t, "order", "[a b]", fmt.Sprint(ids(segs)))
	assertEqual(t, "content", "one more", segs[0].Content)

	cur, _ := r.CurrentPartial()
	assertEqual(t, "current partial", "b", cur.ID)
}

func TestReconciler_RawMovesToEnd(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(partial("a", "first"))
	r.Apply(partial("b", "second"))
	r.Apply(raw("a", "first final"))

	assertEqual(t, "order", "[b a]", fmt.Sprint(ids(r.Segments())))
}

func TestReconciler_PolishedKeepsPosition(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(raw("a", "first"))
	r.Apply(raw("b", "second"))
	r.Apply(polished("a", "First.", "Erste."))

	segs := r.Segments()
	assertEqual(t, "order", "[a b]", fmt.Sprint(ids(segs)))
	assertEqual(t, "stage", StagePolished, segs[0].Stage)

	// A second polish replaces again.
	r.Apply(polished("a", "First!", "Erste!"))
	assertEqual(t, "len", 2, r.Len())
	assertEqual(t, "repolished", "Erste!", r.Segments()[0].Translated)
}

func TestReconciler_PolishedWithoutRaw(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(partial("a", "fir"))
	r.Apply(polished("a", "First.", ""))

	assertEqual(t, "len", 1, r.Len())
	assertEqual(t, "stage", StagePolished, r.Segments()[0].Stage)
}

func TestReconciler_NoRegression(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(polished("a", "Done.", "Fertig."))

	if r.Apply(partial("a", "late partial")) {
		t.Error("partial after polish should be ignored")
	}
	if r.Apply(raw("a", "late raw")) {
		t.Error("raw after polish should be ignored")
	}
	if r.Apply(raw("a", "")) {
		t.Error("retraction after polish should be ignored")
	}
	segs := r.Segments()
	assertEqual(t, "len", 1, len(segs))
	assertEqual(t, "content", "Done.", segs[0].Content)
}

func TestReconciler_AtMostOnePerID(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	contents := []string{"", "a", "bb", "ccc"}

	for trial := range 200 {
		r := NewReconciler()
		for range 50 {
			id := fmt.Sprint(rng.IntN(6))
			content := contents[rng.IntN(len(contents))]
			var u Update
			switch rng.IntN(3) {
			case 0:
				u = partial(id, content)
			case 1:
				u = raw(id, content)
			default:
				u = polished(id, content, "t"+content)
			}
			r.Apply(u)

			seen := make(map[string]bool)
			for _, s := range r.Segments() {
				if seen[s.ID] {
					t.Fatalf("trial %d: duplicate id %q after %+v", trial, s.ID, u)
				}
				seen[s.ID] = true
			}
		}
	}
}

func TestReconciler_SegmentsIsCopy(t *testing.T) {
	t.Parallel()
	r := NewReconciler()
	r.Apply(raw("a", "x"))
	segs := r.Segments()
	segs[0].Content = "mutated"
	assertEqual(t, "content", "x", r.Segments()[0].Content)
}

func TestStage_String(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"partial", "raw", "polished"} {
		s, ok := ParseStage(name)
		if !ok {
			t.Fatalf("ParseStage(%q) failed", name)
		}
		assertEqual(t, "round trip", name, s.String())
	}
	if _, ok := ParseStage("pong"); ok {
		t.Error("pong is not a stage")
	}
	assertEqual(t, "unknown", "Stage(7)", Stage(7).String())
}

func TestSegment_JSONUsesStageNames(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Segment{ID: "7", Stage: StagePolished, Content: "Hi.", Raw: "hi"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"id":"7","stage":"polished","content":"Hi.","raw":"hi"}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}
