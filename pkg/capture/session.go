package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

const handleFrameBuffer = 64

// Status is the observable state of a [Handle].
type Status int32

const (
	// StatusActive means frames are flowing.
	StatusActive Status = iota
	// StatusInterrupted means the device went away mid-capture.
	StatusInterrupted
	// StatusStopped means Stop was called.
	StatusStopped
)

// String returns a human-readable label for the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInterrupted:
		return "interrupted"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Session routes selectors to backends. It is safe for concurrent use.
type Session struct {
	constraints Constraints
	backends    map[Kind]Backend
}

// NewSession creates a Session with the given constraints and backends. A
// later backend replaces an earlier one of the same kind.
func NewSession(c Constraints, backends ...Backend) *Session {
	s := &Session{constraints: c, backends: make(map[Kind]Backend, len(backends))}
	for _, b := range backends {
		if b != nil {
			s.backends[b.Kind()] = b
		}
	}
	return s
}

// Devices lists the sources of every registered backend. A failing backend
// is logged and skipped.
func (s *Session) Devices(ctx context.Context) ([]Device, error) {
	var (
		out  []Device
		errs []error
	)
	for _, kind := range []Kind{KindMicrophone, KindSystem, KindDiscord} {
		b, ok := s.backends[kind]
		if !ok {
			continue
		}
		devs, err := b.Devices(ctx)
		if err != nil {
			slog.Warn("capture: device enumeration failed", "kind", kind, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		out = append(out, devs...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Start opens the source named by sel and returns a running [Handle].
func (s *Session) Start(ctx context.Context, sel Selector) (*Handle, error) {
	b, ok := s.backends[sel.Kind]
	if !ok {
		return nil, fmt.Errorf("capture: %s: %w", sel, ErrUnsupportedSource)
	}
	stream, err := b.Open(ctx, sel.Device, s.constraints)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", sel, err)
	}
	slog.Info("capture: started", "source", sel.String())
	return newHandle(sel, stream), nil
}

// Handle is a running capture. Frames are forwarded from the backend stream
// without ever blocking it.
type Handle struct {
	sel    Selector
	stream Stream

	frames      chan audio.Frame
	interrupted chan struct{}
	forwarded   chan struct{}

	status   atomic.Int32
	stopping atomic.Bool
	dropped  atomic.Int64

	mu  sync.Mutex
	err error

	stopOnce sync.Once
}

func newHandle(sel Selector, stream Stream) *Handle {
	h := &Handle{
		sel:         sel,
		stream:      stream,
		frames:      make(chan audio.Frame, handleFrameBuffer),
		interrupted: make(chan struct{}),
		forwarded:   make(chan struct{}),
	}
	go h.forward()
	return h
}

// Selector returns the selector this handle was started with.
func (h *Handle) Selector() Selector { return h.sel }

// Frames delivers captured frames. It is closed when the capture ends.
func (h *Handle) Frames() <-chan audio.Frame { return h.frames }

// Interrupted is closed when the device is lost mid-capture. It is never
// closed for a capture that ended through Stop.
func (h *Handle) Interrupted() <-chan struct{} { return h.interrupted }

// Status returns the current status.
func (h *Handle) Status() Status { return Status(h.status.Load()) }

// Dropped returns the number of frames dropped because the consumer lagged.
func (h *Handle) Dropped() int64 { return h.dropped.Load() }

// Err returns the interruption cause, wrapping [ErrDeviceLost], or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) forward() {
	defer close(h.forwarded)
	defer close(h.frames)

	for f := range h.stream.Frames() {
		select {
		case h.frames <- f:
		default:
			h.dropped.Add(1)
		}
	}

	if h.stopping.Load() {
		return
	}

	cause := h.stream.Err()
	err := fmt.Errorf("capture: %s: %w", h.sel, ErrDeviceLost)
	if cause != nil {
		err = fmt.Errorf("capture: %s: %w: %w", h.sel, ErrDeviceLost, cause)
	}
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.status.Store(int32(StatusInterrupted))
	slog.Warn("capture: device lost", "source", h.sel.String(), "err", cause)
	close(h.interrupted)
}

// Stop closes the underlying device and waits for frame forwarding to end.
// Stop is idempotent and never returns an error; release failures are
// logged.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		if err := h.stream.Close(); err != nil {
			slog.Warn("capture: close stream", "source", h.sel.String(), "err", err)
		}
		<-h.forwarded
		if h.Status() != StatusInterrupted {
			h.status.Store(int32(StatusStopped))
		}
		slog.Info("capture: stopped", "source", h.sel.String(), "dropped_frames", h.dropped.Load())
	})
}
