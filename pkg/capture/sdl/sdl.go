// Package sdl captures microphone audio through SDL2 queued capture
// devices. Devices are opened in float32 mono at the requested rate; SDL
// converts from the hardware format. Samples are pulled with
// SDL_DequeueAudio on a short poll interval, so no cgo callback ever runs Go
// code on the audio thread.
package sdl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/capture"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	frameBuffer         = 64
	bytesPerSample      = 4
)

// Compile-time interface assertion.
var _ capture.Backend = (*Backend)(nil)

// Backend implements [capture.Backend] for microphones.
//
// Backend is safe for concurrent use.
type Backend struct {
	pollInterval time.Duration

	mu     sync.Mutex
	inited bool
	opened int
}

// Option is a functional option for [Backend].
type Option func(*Backend)

// WithPollInterval sets how often queued audio is drained. Default: 10ms.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// New creates a microphone backend. SDL is initialised lazily on first use.
func New(opts ...Option) *Backend {
	b := &Backend{pollInterval: defaultPollInterval}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Kind implements [capture.Backend].
func (b *Backend) Kind() capture.Kind { return capture.KindMicrophone }

func (b *Backend) init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inited {
		return nil
	}
	if err := sdl.InitSubSystem(sdl.INIT_AUDIO); err != nil {
		return fmt.Errorf("sdl: init audio: %w", err)
	}
	b.inited = true
	return nil
}

// Devices implements [capture.Backend]. The first entry is SDL's default
// device, addressed by the empty ID.
func (b *Backend) Devices(context.Context) ([]capture.Device, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	devs := []capture.Device{{ID: "", Name: "Default microphone", Kind: capture.KindMicrophone, Default: true}}
	for _, name := range captureDeviceNames() {
		devs = append(devs, capture.Device{ID: name, Name: name, Kind: capture.KindMicrophone})
	}
	return devs, nil
}

func captureDeviceNames() []string {
	n := sdl.GetNumAudioDevices(true)
	names := make([]string, 0, max(n, 0))
	for i := range max(n, 0) {
		if name := sdl.GetAudioDeviceName(i, true); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Open implements [capture.Backend]. An empty device selects SDL's default.
// SDL has no OS-level echo cancellation; the constraint is ignored.
func (b *Backend) Open(ctx context.Context, device string, c capture.Constraints) (capture.Stream, error) {
	if err := b.init(); err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrUnsupportedSource, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if device != "" && !contains(captureDeviceNames(), device) {
		return nil, fmt.Errorf("sdl: microphone %q: %w", device, capture.ErrDeviceUnavailable)
	}
	if device == "" && sdl.GetNumAudioDevices(true) == 0 {
		return nil, fmt.Errorf("sdl: no microphone found: %w", capture.ErrDeviceUnavailable)
	}

	rate := c.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	frameSize := c.FrameSize
	if frameSize <= 0 || frameSize > math.MaxUint16 {
		frameSize = 4096
	}

	desired := sdl.AudioSpec{
		Freq:     int32(rate),
		Format:   sdl.AUDIO_F32SYS,
		Channels: 1,
		Samples:  uint16(frameSize),
	}
	var obtained sdl.AudioSpec
	id, err := sdl.OpenAudioDevice(device, true, &desired, &obtained, 0)
	if err != nil {
		return nil, classifyOpenError(device, err)
	}
	if c.EchoCancellation || c.NoiseSuppression {
		slog.Debug("sdl: OS-level echo cancellation and noise suppression are not available")
	}

	s := &stream{
		id:        id,
		rate:      rate,
		frameSize: frameSize,
		frames:    make(chan audio.Frame, frameBuffer),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
		release:   b.release,
	}
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()

	sdl.PauseAudioDevice(id, false)
	go s.poll(b.pollInterval)

	slog.Info("sdl: microphone opened", "device", deviceLabel(device), "rate", rate, "frame_size", frameSize)
	return s, nil
}

// release shuts SDL's audio subsystem down once the last stream is closed.
func (b *Backend) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened--
	if b.opened == 0 && b.inited {
		sdl.QuitSubSystem(sdl.INIT_AUDIO)
		b.inited = false
	}
}

func classifyOpenError(device string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not authorized"), strings.Contains(msg, "access denied"):
		return fmt.Errorf("sdl: open %s: %w: %w", deviceLabel(device), capture.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("sdl: open %s: %w: %w", deviceLabel(device), capture.ErrDeviceUnavailable, err)
	}
}

func deviceLabel(device string) string {
	if device == "" {
		return "default microphone"
	}
	return fmt.Sprintf("%q", device)
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// ── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	id        sdl.AudioDeviceID
	rate      int
	frameSize int
	frames    chan audio.Frame
	release   func()

	stop     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.exited
	})
	return nil
}

var errDeviceStopped = errors.New("sdl: capture device stopped")

func (s *stream) poll(interval time.Duration) {
	defer close(s.exited)
	defer s.release()
	defer sdl.CloseAudioDevice(s.id)
	defer close(s.frames)

	frameBytes := s.frameSize * bytesPerSample
	buf := make([]byte, frameBytes)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var captured int64
	for {
		select {
		case <-s.stop:
			sdl.PauseAudioDevice(s.id, true)
			return
		case <-ticker.C:
		}

		if sdl.GetAudioDeviceStatus(s.id) == sdl.AUDIO_STOPPED {
			s.mu.Lock()
			s.err = errDeviceStopped
			s.mu.Unlock()
			return
		}

		for sdl.GetQueuedAudioSize(s.id) >= uint32(frameBytes) {
			n, err := sdl.DequeueAudio(s.id, buf)
			if err != nil {
				s.mu.Lock()
				s.err = fmt.Errorf("sdl: dequeue: %w", err)
				s.mu.Unlock()
				return
			}
			samples := decodeF32(buf[:n])
			f := audio.Frame{
				Samples:    samples,
				SampleRate: s.rate,
				Channels:   1,
				Timestamp:  time.Duration(captured) * time.Second / time.Duration(s.rate),
			}
			captured += int64(len(samples))
			select {
			case s.frames <- f:
			default:
			}
		}
	}
}

// decodeF32 converts native-endian float32 bytes to samples. AUDIO_F32SYS is
// little-endian on every platform SDL capture supports in practice.
func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/bytesPerSample)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*bytesPerSample:]))
	}
	return out
}
