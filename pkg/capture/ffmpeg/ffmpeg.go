// Package ffmpeg captures the system output mix (loopback audio) by running
// ffmpeg against the platform's capture framework and reading raw float32
// mono samples from its stdout.
//
//   - Linux: PulseAudio/PipeWire monitor source, default "@DEFAULT_MONITOR@".
//   - macOS: AVFoundation; requires a loopback device such as "BlackHole 2ch".
//   - Windows: DirectShow; requires a loopback device such as "Stereo Mix".
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/capture"
)

const (
	defaultBinary         = "ffmpeg"
	defaultStartupTimeout = 3 * time.Second
	frameBuffer           = 64
	stderrLimit           = 8 << 10
)

// Compile-time interface assertion.
var _ capture.Backend = (*Backend)(nil)

// CommandFunc builds the ffmpeg process. It matches [exec.Command].
type CommandFunc func(name string, args ...string) *exec.Cmd

// Backend implements [capture.Backend] for system audio.
type Backend struct {
	binary         string
	goos           string
	defaultDevice  string
	startupTimeout time.Duration
	command        CommandFunc
	lookPath       func(string) (string, error)
}

// Option is a functional option for [Backend].
type Option func(*Backend)

// WithBinary sets the ffmpeg executable. Default: "ffmpeg" from PATH.
func WithBinary(path string) Option {
	return func(b *Backend) { b.binary = path }
}

// WithDefaultDevice sets the loopback device used when the selector names
// none. Required on macOS and Windows.
func WithDefaultDevice(device string) Option {
	return func(b *Backend) { b.defaultDevice = device }
}

// WithStartupTimeout bounds how long Open waits for the first samples before
// assuming capture is running. Default: 3s.
func WithStartupTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.startupTimeout = d
		}
	}
}

// WithCommand replaces process construction, mainly for tests.
func WithCommand(fn CommandFunc) Option {
	return func(b *Backend) { b.command = fn }
}

// withGOOS overrides the target platform; used by tests.
func withGOOS(goos string) Option {
	return func(b *Backend) { b.goos = goos }
}

// New creates a system audio backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		binary:         defaultBinary,
		goos:           runtime.GOOS,
		startupTimeout: defaultStartupTimeout,
		command:        exec.Command,
		lookPath:       exec.LookPath,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Kind implements [capture.Backend].
func (b *Backend) Kind() capture.Kind { return capture.KindSystem }

// Devices implements [capture.Backend]. ffmpeg cannot enumerate devices in a
// machine-readable way, so this reports the device Open would use, if any.
func (b *Backend) Devices(context.Context) ([]capture.Device, error) {
	if _, err := b.lookPath(b.binary); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	_, input, err := b.input("")
	if err != nil {
		return nil, nil
	}
	return []capture.Device{{
		ID:      b.defaultDevice,
		Name:    "System audio (" + input + ")",
		Kind:    capture.KindSystem,
		Default: true,
	}}, nil
}

// input returns ffmpeg's -f format and -i argument for device.
func (b *Backend) input(device string) (format, input string, err error) {
	if device == "" {
		device = b.defaultDevice
	}
	switch b.goos {
	case "linux", "freebsd":
		if device == "" {
			device = "@DEFAULT_MONITOR@"
		}
		return "pulse", device, nil
	case "darwin":
		if device == "" {
			return "", "", fmt.Errorf("ffmpeg: system audio on macOS needs a loopback device (e.g. BlackHole): %w", capture.ErrUnsupportedSource)
		}
		if !strings.HasPrefix(device, ":") {
			device = ":" + device
		}
		return "avfoundation", device, nil
	case "windows":
		if device == "" {
			return "", "", fmt.Errorf("ffmpeg: system audio on Windows needs a loopback device (e.g. Stereo Mix): %w", capture.ErrUnsupportedSource)
		}
		return "dshow", "audio=" + device, nil
	default:
		return "", "", fmt.Errorf("ffmpeg: system audio on %s: %w", b.goos, capture.ErrUnsupportedSource)
	}
}

// Args returns the ffmpeg arguments for capturing device with c.
func (b *Backend) Args(device string, c capture.Constraints) ([]string, error) {
	format, input, err := b.input(device)
	if err != nil {
		return nil, err
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", format, "-i", input,
		"-ac", "1", "-ar", strconv.Itoa(rate),
	}
	if c.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	return append(args, "-f", "f32le", "pipe:1"), nil
}

// Open implements [capture.Backend]. It returns once ffmpeg produced its
// first samples, exited, or the startup timeout elapsed.
func (b *Backend) Open(ctx context.Context, device string, c capture.Constraints) (capture.Stream, error) {
	path, err := b.lookPath(b.binary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", b.binary, capture.ErrUnsupportedSource)
	}
	args, err := b.Args(device, c)
	if err != nil {
		return nil, err
	}

	rate := c.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	frameSize := c.FrameSize
	if frameSize <= 0 {
		frameSize = 4096
	}

	cmd := b.command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start: %w: %w", capture.ErrUnsupportedSource, err)
	}

	s := &stream{
		cmd:       cmd,
		stdout:    stdout,
		stderr:    stderr,
		rate:      rate,
		frameSize: frameSize,
		frames:    make(chan audio.Frame, frameBuffer),
		first:     make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go s.read()

	timer := time.NewTimer(b.startupTimeout)
	defer timer.Stop()
	select {
	case <-s.first:
	case <-s.exited:
		return nil, classify(s.Err(), stderr.String())
	case <-timer.C:
		slog.Debug("ffmpeg: no samples yet, assuming capture is running", "timeout", b.startupTimeout)
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}

	slog.Info("ffmpeg: system audio capture started", "args", strings.Join(args, " "))
	return s, nil
}

// classify maps ffmpeg's exit diagnostics onto the capture error taxonomy.
func classify(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	detail := strings.TrimSpace(stderr)
	if detail == "" && err != nil {
		detail = err.Error()
	}
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "access denied"):
		return fmt.Errorf("ffmpeg: %w: %s", capture.ErrPermissionDenied, detail)
	case strings.Contains(msg, "unknown input format"):
		return fmt.Errorf("ffmpeg: %w: %s", capture.ErrUnsupportedSource, detail)
	default:
		return fmt.Errorf("ffmpeg: %w: %s", capture.ErrDeviceUnavailable, detail)
	}
}

// ── stream ───────────────────────────────────────────────────────────────────

type stream struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *limitedBuffer
	rate      int
	frameSize int
	frames    chan audio.Frame

	first     chan struct{}
	firstOnce sync.Once
	exited    chan struct{}

	mu      sync.Mutex
	closing bool
	err     error

	closeOnce sync.Once
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
	})
	return nil
}

func (s *stream) read() {
	defer close(s.exited)
	defer close(s.frames)

	buf := make([]byte, s.frameSize*4)
	var captured int64
	var readErr error
	for {
		n, err := io.ReadFull(s.stdout, buf)
		if n >= 4 {
			s.firstOnce.Do(func() { close(s.first) })
			samples := decodeF32LE(buf[:n-n%4])
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
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				readErr = err
			}
			break
		}
	}

	waitErr := s.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	switch {
	case waitErr != nil:
		s.err = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(s.stderr.String()))
	case readErr != nil:
		s.err = fmt.Errorf("ffmpeg: read: %w", readErr)
	default:
		s.err = errors.New("ffmpeg: stream ended")
	}
}

func decodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := l.limit - l.buf.Len(); room > 0 {
		l.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
