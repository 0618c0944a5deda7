// Package mock provides in-memory implementations of [capture.Backend] and
// [capture.Stream] for unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(16)
//	backend := &mock.Backend{KindResult: capture.KindMicrophone, OpenResult: stream}
//	sess := capture.NewSession(capture.DefaultConstraints(), backend)
//	h, _ := sess.Start(ctx, capture.Selector{Kind: capture.KindMicrophone})
//	stream.Push(audio.Frame{...})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/capture"
)

// ─── Backend ─────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [capture.Backend].
type Backend struct {
	mu sync.Mutex

	// KindResult is returned by [Backend.Kind].
	KindResult capture.Kind

	// DevicesResult and DevicesError are returned by [Backend.Devices].
	DevicesResult []capture.Device
	DevicesError  error

	// OpenResult and OpenError are returned by [Backend.Open]. When both
	// are nil, every Open returns a fresh [Stream], recorded in Streams.
	OpenResult *Stream
	OpenError  error
	Streams    []*Stream

	// OpenCalls records the device and constraints of each Open call.
	OpenCalls []OpenCall
}

// OpenCall records the arguments of a single [Backend.Open] call.
type OpenCall struct {
	Device      string
	Constraints capture.Constraints
}

// Kind implements [capture.Backend].
func (b *Backend) Kind() capture.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.KindResult
}

// Devices implements [capture.Backend].
func (b *Backend) Devices(context.Context) ([]capture.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.DevicesResult, b.DevicesError
}

// Open implements [capture.Backend].
func (b *Backend) Open(_ context.Context, device string, c capture.Constraints) (capture.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Device: device, Constraints: c})
	if b.OpenError != nil {
		return nil, b.OpenError
	}
	if b.OpenResult != nil {
		return b.OpenResult, nil
	}
	st := NewStream(16)
	b.Streams = append(b.Streams, st)
	return st, nil
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream]. Feed it with
// [Stream.Push]; simulate device loss with [Stream.Fail].
type Stream struct {
	mu     sync.Mutex
	frames chan audio.Frame
	err    error
	ended  bool

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream whose frame channel has the given capacity.
func NewStream(buffer int) *Stream {
	return &Stream{frames: make(chan audio.Frame, buffer)}
}

// Push delivers f without blocking. It reports false if the frame was
// dropped because the buffer is full or the stream has ended.
func (s *Stream) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Fail ends the stream as if the device disappeared.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.ended = true
	close(s.frames)
}

// Frames implements [capture.Stream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Err implements [capture.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.ended {
		s.ended = true
		close(s.frames)
	}
	return s.CloseError
}

// Closes returns the number of Close calls.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}
