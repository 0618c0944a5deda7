// Package transport streams encoded audio to the transcription backend over a
// single WebSocket per recording and delivers the backend's transcript
// messages back to the caller.
//
// The transport is an explicit state machine (see [State]). Frames sent while
// the connection is still being established are held in a FIFO queue and
// flushed, in order, the moment the connection opens, followed by the
// [Config] control frame. Frames sent after [Transport.Close] or a failure are
// discarded.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

const (
	defaultInboundBuffer = 64
	defaultWriteTimeout  = 10 * time.Second
)

// Conn is the subset of [*websocket.Conn] the transport uses. It is an
// interface so tests can substitute an in-memory connection.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebSocketDialer returns a [Dialer] backed by [websocket.Dial] that sends
// header with the upgrade request.
func WebSocketDialer(header http.Header) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, err
		}
		// Transcript messages are small, but polished segments with
		// translations can exceed the 32 KiB default.
		conn.SetReadLimit(1 << 20)
		return conn, nil
	}
}

// Option is a functional option for configuring a [Transport].
type Option func(*Transport)

// WithDialer replaces the default WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dial = d }
}

// WithSilenceGate enables dropping silent chunks while connected. Silent
// chunks are never dropped while connecting.
func WithSilenceGate(enabled bool) Option {
	return func(t *Transport) { t.gate = enabled }
}

// WithStateHook registers fn to be called after every state transition. fn
// is called without internal locks held, from the goroutine that caused the
// transition.
func WithStateHook(fn func(State)) Option {
	return func(t *Transport) { t.onState = fn }
}

// WithChunkHook registers fn to be called with the outcome of every audio
// chunk passed to [Transport.SendAudio].
func WithChunkHook(fn func(Outcome)) Option {
	return func(t *Transport) { t.onChunk = fn }
}

// WithRTTHook registers fn to be called with the round-trip time of every
// pong that answers one of our pings.
func WithRTTHook(fn func(time.Duration)) Option {
	return func(t *Transport) { t.onRTT = fn }
}

// WithInboundBuffer sets the capacity of the inbound message channel.
// Default: 64.
func WithInboundBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.inboundCap = n
		}
	}
}

// WithWriteTimeout bounds each individual frame write. Default: 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// frame is one outbound WebSocket message.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Transport owns one logical connection to the backend. All methods are safe
// for concurrent use.
type Transport struct {
	cfg          Config
	dial         Dialer
	gate         bool
	inboundCap   int
	writeTimeout time.Duration
	onState      func(State)
	onChunk      func(Outcome)
	onRTT        func(time.Duration)

	mu    sync.Mutex
	state State
	queue []frame
	conn  Conn
	err   error

	wake    chan struct{} // cap 1; signals the write loop
	closing chan struct{} // closed when Close starts draining
	done    chan struct{} // closed once a terminal state is reached
	inbound chan Message

	ctx    context.Context
	cancel context.CancelFunc

	dialWG   sync.WaitGroup
	writeWG  sync.WaitGroup
	readWG   sync.WaitGroup
	doneOnce sync.Once
	stopOnce sync.Once

	pingSent atomic.Int64 // unix nanos of the last ping we sent
	lastPong atomic.Int64 // unix nanos of the last pong we received
}

// New creates a Transport in [StateDisconnected]. cfg is sent to the backend
// once the connection opens.
func New(cfg Config, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:          cfg,
		dial:         WebSocketDialer(nil),
		inboundCap:   defaultInboundBuffer,
		writeTimeout: defaultWriteTimeout,
		wake:         make(chan struct{}, 1),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(t)
	}
	t.inbound = make(chan Message, t.inboundCap)
	return t
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that moved the transport into a terminal state
// without Close being called, or nil.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the transport reaches [StateClosed] or [StateError].
func (t *Transport) Done() <-chan struct{} { return t.done }

// Inbound delivers transcript and error messages in arrival order. ping and
// pong frames are handled internally and never appear here. The channel is
// not closed; select on [Transport.Done] as well.
func (t *Transport) Inbound() <-chan Message { return t.inbound }

// Buffered returns the number of frames waiting to be written.
func (t *Transport) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// LastPong returns when the last pong was received, or the zero time.
func (t *Transport) LastPong() time.Time {
	ns := t.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Open starts connecting to url and returns immediately. The transport moves
// to [StateConnecting]; the outcome of the dial is observable through
// [Transport.State], [Transport.Done], and [Transport.Err]. ctx bounds the
// dial only.
func (t *Transport) Open(ctx context.Context, url string) error {
	if url == "" {
		return errors.New("transport: url must not be empty")
	}
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return ErrAlreadyOpened
	}
	t.state = StateConnecting
	t.mu.Unlock()
	t.notify(StateConnecting)

	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancelDial)

	t.dialWG.Add(1)
	go func() {
		defer t.dialWG.Done()
		defer stop()
		defer cancelDial()
		t.connect(dialCtx, url)
	}()
	return nil
}

func (t *Transport) connect(ctx context.Context, url string) {
	conn, err := t.dial(ctx, url)

	t.mu.Lock()
	if t.state != StateConnecting {
		// Closed while dialing.
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "closed during connect")
		}
		return
	}
	if err != nil {
		t.state = StateError
		t.err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		dropped := len(t.queue)
		t.queue = nil
		t.mu.Unlock()

		slog.Warn("transport: connect failed", "url", url, "err", err, "dropped_frames", dropped)
		t.notify(StateError)
		t.finish()
		return
	}

	cfg, err := json.Marshal(t.cfg)
	if err != nil {
		// Config only holds strings; this cannot fail in practice.
		cfg = []byte(`{"type":"config"}`)
	}

	t.conn = conn
	flushed := len(t.queue)
	t.queue = append(t.queue, frame{typ: websocket.MessageText, data: cfg})
	t.state = StateConnected
	// The loops are counted before the state becomes visible, so a Close
	// that sees Connected always waits for the flush.
	t.writeWG.Add(1)
	t.readWG.Add(1)
	t.mu.Unlock()

	go t.writeLoop(conn)
	go t.readLoop(conn)
	t.signal()

	slog.Info("transport: connected", "url", url, "flushed_frames", flushed)
	t.notify(StateConnected)
}

// SendAudio sends one encoded chunk. While connecting every chunk is
// buffered, silent or not; while connected, silent chunks are dropped when
// the silence gate is enabled. The chunk data is copied.
func (t *Transport) SendAudio(c audio.Chunk) Outcome {
	out := t.send(frame{typ: websocket.MessageBinary, data: bytes.Clone(c.Data)}, c.Silent)
	if t.onChunk != nil {
		t.onChunk(out)
	}
	return out
}

// SendJSON marshals v and sends it as a text frame under the same rules as
// audio (without gating).
func (t *Transport) SendJSON(v any) (Outcome, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return OutcomeDiscarded, fmt.Errorf("transport: marshal: %w", err)
	}
	return t.send(frame{typ: websocket.MessageText, data: data}, false), nil
}

// Ping sends a ping control frame and records the send time for RTT
// measurement.
func (t *Transport) Ping() Outcome {
	out, _ := t.SendJSON(control{Type: TypePing})
	if out == OutcomeSent {
		t.pingSent.Store(time.Now().UnixNano())
	}
	return out
}

func (t *Transport) send(f frame, silent bool) Outcome {
	t.mu.Lock()
	switch t.state {
	case StateDisconnected, StateConnecting:
		t.queue = append(t.queue, f)
		t.mu.Unlock()
		return OutcomeBuffered
	case StateConnected:
		if silent && t.gate {
			t.mu.Unlock()
			return OutcomeGated
		}
		t.queue = append(t.queue, f)
		t.mu.Unlock()
		t.signal()
		return OutcomeSent
	default:
		t.mu.Unlock()
		return OutcomeDiscarded
	}
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) notify(s State) {
	if t.onState != nil {
		t.onState(s)
	}
}

// take removes and returns all queued frames.
func (t *Transport) take() []frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue
	t.queue = nil
	return q
}

// ---- write side ----

func (t *Transport) writeLoop(conn Conn) {
	defer t.writeWG.Done()
	for {
		select {
		case <-t.wake:
			if !t.writeAll(conn) {
				return
			}
		case <-t.closing:
			// Flush whatever was queued before Close.
			t.writeAll(conn)
			return
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) writeAll(conn Conn) bool {
	for _, f := range t.take() {
		ctx, cancel := context.WithTimeout(t.ctx, t.writeTimeout)
		err := conn.Write(ctx, f.typ, f.data)
		cancel()
		if err != nil {
			t.fail(fmt.Errorf("%w: write: %w", ErrConnectionLost, err), StateError)
			return false
		}
	}
	return true
}

// ---- read side ----

func (t *Transport) readLoop(conn Conn) {
	defer t.readWG.Done()
	for {
		typ, data, err := conn.Read(t.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				t.fail(fmt.Errorf("%w: closed by server: %w", ErrConnectionLost, err), StateClosed)
			} else {
				t.fail(fmt.Errorf("%w: read: %w", ErrConnectionLost, err), StateError)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, ok := parseMessage(data)
		if !ok {
			slog.Debug("transport: ignoring malformed message", "bytes", len(data))
			continue
		}

		switch msg.Type {
		case TypePing:
			t.SendJSON(control{Type: TypePong})
		case TypePong:
			now := time.Now()
			t.lastPong.Store(now.UnixNano())
			if sent := t.pingSent.Swap(0); sent != 0 && t.onRTT != nil {
				t.onRTT(now.Sub(time.Unix(0, sent)))
			}
		case TypePartial, TypeRaw, TypePolished, TypeError:
			select {
			case t.inbound <- msg:
			case <-t.ctx.Done():
				return
			}
		default:
			slog.Debug("transport: ignoring unknown message type", "type", msg.Type)
		}
	}
}

// fail moves an active connection into a terminal state after an unexpected
// read/write error. It is a no-op once Close has started.
func (t *Transport) fail(err error, next State) {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	t.state = next
	t.err = err
	t.queue = nil
	conn := t.conn
	t.mu.Unlock()

	slog.Warn("transport: connection ended unexpectedly", "state", next, "err", err)
	t.notify(next)

	go func() {
		t.cancel()
		if next == StateError {
			_ = conn.Close(websocket.StatusInternalError, "transport error")
		}
		t.writeWG.Wait()
		t.readWG.Wait()
		t.finish()
	}()
}

func (t *Transport) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Close flushes frames queued so far, closes the connection with a normal
// closure and waits for all goroutines to exit. Closing signals the backend
// to finalize the session. Close is idempotent and always returns nil for
// repeated calls.
func (t *Transport) Close() error {
	var closeErr error
	t.stopOnce.Do(func() {
		t.mu.Lock()
		prev := t.state
		switch prev {
		case StateConnected:
			t.state = StateClosing
		case StateDisconnected, StateConnecting:
			t.state = StateClosed
			t.queue = nil
		}
		conn := t.conn
		t.mu.Unlock()

		switch prev {
		case StateDisconnected, StateConnecting:
			t.notify(StateClosed)
			t.cancel()
			t.dialWG.Wait()
			t.finish()

		case StateConnected:
			t.notify(StateClosing)
			close(t.closing)
			t.writeWG.Wait()
			closeErr = conn.Close(websocket.StatusNormalClosure, "recording stopped")
			t.cancel()
			t.readWG.Wait()

			t.mu.Lock()
			t.state = StateClosed
			t.mu.Unlock()
			t.notify(StateClosed)
			t.finish()

		default:
			// Already failed; wait for teardown started by fail.
			t.cancel()
			t.dialWG.Wait()
			<-t.done
		}
	})
	if closeErr != nil && websocket.CloseStatus(closeErr) == -1 && !errors.Is(closeErr, context.Canceled) {
		slog.Debug("transport: close handshake", "err", closeErr)
	}
	return nil
}
