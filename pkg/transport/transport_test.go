package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

// ── Test helpers ─────────────────────────────────────────────────────────────

type received struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// fakeBackend is an in-process WebSocket backend. When hold is set, the
// upgrade blocks until release is closed, keeping clients in Connecting.
type fakeBackend struct {
	srv     *httptest.Server
	release chan struct{}
	recv    chan received
	send    chan []byte
	kill    chan struct{}
	header  chan http.Header
}

func startBackend(t *testing.T, hold bool) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		release: make(chan struct{}),
		recv:    make(chan received, 256),
		send:    make(chan []byte, 16),
		kill:    make(chan struct{}),
		header:  make(chan http.Header, 1),
	}
	if !hold {
		close(b.release)
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.header <- r.Header.Clone()
		select {
		case <-b.release:
		case <-r.Context().Done():
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			for {
				select {
				case data := <-b.send:
					_ = conn.Write(ctx, websocket.MessageText, data)
				case <-b.kill:
					conn.Close(websocket.StatusGoingAway, "backend shutting down")
					return
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			typ, data, err := conn.Read(ctx)
			b.recv <- received{typ: typ, data: data, err: err}
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBackend) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-b.recv:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for backend to receive a frame")
		return received{}
	}
}

func (b *fakeBackend) writeJSON(v any) {
	data, _ := json.Marshal(v)
	b.send <- data
}

// stateRecorder collects state transitions from a WithStateHook callback.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 32)}
}

func (r *stateRecorder) hook(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func chunk(b byte, silent bool) audio.Chunk {
	return audio.Chunk{Data: []byte{b, b}, SampleRate: 16000, Silent: silent}
}

var testConfig = Config{
	MeetingID:     "m-1",
	SourceLang:    "zh",
	TargetLang:    "en",
	Mode:          "dual",
	InitialPrompt: "quarterly review",
}

// ── FIFO buffering ───────────────────────────────────────────────────────────

func TestTransport_FlushesBufferBeforeConfig(t *testing.T) {
	t.Parallel()
	b := startBackend(t, true)
	rec := newStateRecorder()
	tr := New(testConfig, WithSilenceGate(true), WithStateHook(rec.hook))
	defer tr.Close()

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := tr.State(); got != StateConnecting {
		t.Fatalf("state after Open: got %v, want connecting", got)
	}

	const n = 5
	for i := range n {
		// Odd chunks are silent; none may be dropped while connecting.
		if out := tr.SendAudio(chunk(byte(i), i%2 == 1)); out != OutcomeBuffered {
			t.Fatalf("chunk %d: outcome %v, want buffered", i, out)
		}
	}
	if got := tr.Buffered(); got != n {
		t.Fatalf("Buffered: got %d, want %d", got, n)
	}

	close(b.release)

	for i := range n {
		r := b.next(t)
		if r.err != nil {
			t.Fatalf("frame %d: %v", i, r.err)
		}
		if r.typ != websocket.MessageBinary {
			t.Fatalf("frame %d: got type %v, want binary", i, r.typ)
		}
		if r.data[0] != byte(i) {
			t.Errorf("frame %d: got payload %d, out of order", i, r.data[0])
		}
	}

	r := b.next(t)
	if r.typ != websocket.MessageText {
		t.Fatalf("expected config text frame after buffered audio, got %v", r.typ)
	}
	var cfg map[string]string
	if err := json.Unmarshal(r.data, &cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	want := map[string]string{
		"type":           "config",
		"meeting_id":     "m-1",
		"source_lang":    "zh",
		"target_lang":    "en",
		"mode":           "dual",
		"initial_prompt": "quarterly review",
	}
	for k, v := range want {
		if cfg[k] != v {
			t.Errorf("config[%q]: got %q, want %q", k, cfg[k], v)
		}
	}

	rec.waitFor(t, StateConnected)

	// Once connected, silent chunks are gated and audible ones go straight out.
	if out := tr.SendAudio(chunk(0xAA, true)); out != OutcomeGated {
		t.Errorf("silent chunk while connected: outcome %v, want gated", out)
	}
	if out := tr.SendAudio(chunk(0xBB, false)); out != OutcomeSent {
		t.Errorf("audible chunk while connected: outcome %v, want sent", out)
	}
	if r := b.next(t); r.data[0] != 0xBB {
		t.Errorf("expected 0xBB after config, got %x", r.data[0])
	}
}

func TestTransport_SilenceGateDisabledSendsSilence(t *testing.T) {
	t.Parallel()
	b := startBackend(t, false)
	rec := newStateRecorder()
	tr := New(testConfig, WithStateHook(rec.hook))
	defer tr.Close()

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitFor(t, StateConnected)
	b.next(t) // config

	if out := tr.SendAudio(chunk(1, true)); out != OutcomeSent {
		t.Errorf("outcome %v, want sent", out)
	}
}

func TestTransport_SendAudioCopiesData(t *testing.T) {
	t.Parallel()
	b := startBackend(t, true)
	tr := New(testConfig)
	defer tr.Close()
	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	buf := []byte{1, 2}
	tr.SendAudio(audio.Chunk{Data: buf})
	buf[0] = 9 // capture runtime reuses its buffer

	close(b.release)
	if r := b.next(t); r.data[0] != 1 {
		t.Errorf("buffered chunk aliased caller buffer: got %d", r.data[0])
	}
}

// ── Inbound handling ─────────────────────────────────────────────────────────

func TestTransport_AnswersPingAndDeliversMessages(t *testing.T) {
	t.Parallel()
	b := startBackend(t, false)
	rec := newStateRecorder()
	tr := New(testConfig, WithStateHook(rec.hook))
	defer tr.Close()

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitFor(t, StateConnected)
	b.next(t) // config

	b.writeJSON(map[string]string{"type": "ping"})
	r := b.next(t)
	if string(r.data) != `{"type":"pong"}` {
		t.Errorf("expected pong, got %s", r.data)
	}

	b.writeJSON(map[string]any{"type": "partial", "id": 7, "content": "he"})
	b.writeJSON(map[string]any{"type": "raw", "id": "7", "content": "hello"})
	b.writeJSON(map[string]any{"type": "polished", "id": "7", "content": "Hello.", "translated": "你好。"})
	b.writeJSON(map[string]any{"type": "error", "id": "7", "content": "Polishing failed."})

	want := []Message{
		{Type: TypePartial, ID: "7", Content: "he"},
		{Type: TypeRaw, ID: "7", Content: "hello"},
		{Type: TypePolished, ID: "7", Content: "Hello.", Translated: "你好。"},
		{Type: TypeError, ID: "7", Content: "Polishing failed."},
	}
	for i, w := range want {
		select {
		case got := <-tr.Inbound():
			if got != w {
				t.Errorf("message %d: got %+v, want %+v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	// Backend errors do not close the transport.
	if got := tr.State(); got != StateConnected {
		t.Errorf("state after backend error: got %v, want connected", got)
	}
}

func TestTransport_PongReportsRTT(t *testing.T) {
	t.Parallel()
	b := startBackend(t, false)
	rec := newStateRecorder()
	rtt := make(chan time.Duration, 1)
	tr := New(testConfig, WithStateHook(rec.hook), WithRTTHook(func(d time.Duration) { rtt <- d }))
	defer tr.Close()

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitFor(t, StateConnected)
	b.next(t) // config

	if out := tr.Ping(); out != OutcomeSent {
		t.Fatalf("Ping: %v", out)
	}
	if r := b.next(t); string(r.data) != `{"type":"ping"}` {
		t.Fatalf("expected ping, got %s", r.data)
	}
	b.writeJSON(map[string]string{"type": "pong"})

	select {
	case d := <-rtt:
		if d < 0 {
			t.Errorf("negative RTT %v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RTT hook not called")
	}
	if tr.LastPong().IsZero() {
		t.Error("LastPong not recorded")
	}
}

// ── Close and failure ────────────────────────────────────────────────────────

func TestTransport_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	b := startBackend(t, false)
	rec := newStateRecorder()
	tr := New(testConfig, WithStateHook(rec.hook))

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitFor(t, StateConnected)
	b.next(t) // config

	tr.SendAudio(chunk(1, false))
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// The chunk queued before Close is flushed, then the close frame follows.
	if r := b.next(t); r.err != nil || r.data[0] != 1 {
		t.Fatalf("expected flushed chunk, got %+v", r)
	}
	r := b.next(t)
	if websocket.CloseStatus(r.err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure, got %v", r.err)
	}

	if got := tr.State(); got != StateClosed {
		t.Errorf("state: got %v, want closed", got)
	}
	if err := tr.Err(); err != nil {
		t.Errorf("Err after explicit close: %v", err)
	}
	select {
	case <-tr.Done():
	default:
		t.Error("Done not closed")
	}
	if out := tr.SendAudio(chunk(2, false)); out != OutcomeDiscarded {
		t.Errorf("send after close: %v, want discarded", out)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	wantSeq := []State{StateConnecting, StateConnected, StateClosing, StateClosed}
	if len(rec.states) != len(wantSeq) {
		t.Fatalf("transitions: got %v, want %v", rec.states, wantSeq)
	}
	for i := range wantSeq {
		if rec.states[i] != wantSeq[i] {
			t.Errorf("transition %d: got %v, want %v", i, rec.states[i], wantSeq[i])
		}
	}
}

func TestTransport_CloseAsConnectionOpensFlushesBuffer(t *testing.T) {
	t.Parallel()
	b := startBackend(t, true)
	var tr *Transport
	tr = New(testConfig, WithStateHook(func(s State) {
		// Stop lands right after the socket opens, before the write loop
		// has sent anything.
		if s == StateConnected {
			tr.Close()
		}
	}))

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 3
	for i := range n {
		tr.SendAudio(chunk(byte(i+1), false))
	}
	close(b.release)

	for i := range n {
		r := b.next(t)
		if r.err != nil || r.typ != websocket.MessageBinary || r.data[0] != byte(i+1) {
			t.Fatalf("frame %d: got %+v, want buffered chunk %d", i, r, i+1)
		}
	}
	if r := b.next(t); r.err != nil || r.typ != websocket.MessageText {
		t.Fatalf("expected config after buffered audio, got %+v", r)
	}
	if r := b.next(t); websocket.CloseStatus(r.err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure, got %v", r.err)
	}

	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("transport did not finish")
	}
	if got := tr.State(); got != StateClosed {
		t.Errorf("state: got %v, want closed", got)
	}
}

func TestTransport_ServerCloseIsConnectionLost(t *testing.T) {
	t.Parallel()
	b := startBackend(t, false)
	rec := newStateRecorder()
	tr := New(testConfig, WithStateHook(rec.hook))
	defer tr.Close()

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec.waitFor(t, StateConnected)
	b.next(t) // config

	close(b.kill)

	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("transport did not notice server close")
	}
	if err := tr.Err(); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Err: got %v, want ErrConnectionLost", err)
	}
	if out := tr.SendAudio(chunk(1, false)); out != OutcomeDiscarded {
		t.Errorf("send after loss: %v, want discarded", out)
	}
}

func TestTransport_DialFailure(t *testing.T) {
	t.Parallel()
	rec := newStateRecorder()
	tr := New(testConfig,
		WithStateHook(rec.hook),
		WithDialer(func(context.Context, string) (Conn, error) {
			return nil, errors.New("connection refused")
		}),
	)
	defer tr.Close()

	if err := tr.Open(t.Context(), "ws://127.0.0.1:1/ws/transcribe"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after dial failure")
	}
	if got := tr.State(); got != StateError {
		t.Errorf("state: got %v, want error", got)
	}
	if err := tr.Err(); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Err: got %v, want ErrConnectionFailed", err)
	}
	if out := tr.SendAudio(chunk(1, false)); out != OutcomeDiscarded {
		t.Errorf("send in error state: %v, want discarded", out)
	}
}

func TestTransport_CloseWhileConnecting(t *testing.T) {
	t.Parallel()
	tr := New(testConfig, WithDialer(func(ctx context.Context, _ string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	if err := tr.Open(t.Context(), "ws://example.invalid/ws"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.SendAudio(chunk(1, false))

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked while connecting")
	}
	if got := tr.State(); got != StateClosed {
		t.Errorf("state: got %v, want closed", got)
	}
	if got := tr.Buffered(); got != 0 {
		t.Errorf("buffer not discarded: %d", got)
	}
}

func TestTransport_OpenValidation(t *testing.T) {
	t.Parallel()
	tr := New(testConfig, WithDialer(func(ctx context.Context, _ string) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	defer tr.Close()

	if err := tr.Open(t.Context(), ""); err == nil {
		t.Error("expected error for empty url")
	}
	if err := tr.Open(t.Context(), "ws://x"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tr.Open(t.Context(), "ws://x"); !errors.Is(err, ErrAlreadyOpened) {
		t.Errorf("second Open: got %v, want ErrAlreadyOpened", err)
	}
}

func TestWebSocketDialer_SendsHeader(t *testing.T) {
	t.Parallel()
	b := startBackend(t, false)
	rec := newStateRecorder()
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	tr := New(testConfig, WithDialer(WebSocketDialer(h)), WithStateHook(rec.hook))
	defer tr.Close()

	if err := tr.Open(t.Context(), b.url()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := <-b.header
	if got.Get("Authorization") != "Bearer secret" {
		t.Errorf("Authorization: got %q", got.Get("Authorization"))
	}
	rec.waitFor(t, StateConnected)
}

// ── Messages ─────────────────────────────────────────────────────────────────

func TestParseMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Message
		ok   bool
	}{
		{`{"type":"raw","id":12,"content":"x"}`, Message{Type: TypeRaw, ID: "12", Content: "x"}, true},
		{`{"type":"raw","id":"abc","content":""}`, Message{Type: TypeRaw, ID: "abc"}, true},
		{`{"type":"ping"}`, Message{Type: TypePing}, true},
		{`{"id":1}`, Message{}, false},
		{`not json`, Message{}, false},
	}
	for _, tt := range tests {
		got, ok := parseMessage([]byte(tt.in))
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseMessage(%s) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if StateConnecting.String() != "connecting" || StateError.String() != "error" {
		t.Error("unexpected state labels")
	}
	if !StateClosed.Terminal() || !StateError.Terminal() || StateClosing.Terminal() {
		t.Error("unexpected Terminal results")
	}
	if OutcomeGated.String() != "gated" {
		t.Error("unexpected outcome label")
	}
}
