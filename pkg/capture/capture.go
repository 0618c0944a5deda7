// Package capture acquires live audio streams from a selected source and
// keeps them flowing to the processing pipeline for the length of a
// recording.
//
// A [Session] routes a [Selector] to the [Backend] registered for its
// [Kind]. Each backend owns one concrete capture mechanism (a microphone
// device, OS loopback, a voice channel) and returns a [Stream]. The session
// wraps the stream in a [Handle] that turns an unexpected end of the stream
// into an explicit [StatusInterrupted] transition rather than silence.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

// Error taxonomy for capture. Backends wrap these so callers can branch with
// [errors.Is].
var (
	// ErrPermissionDenied means the user or OS refused access to the source.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable means no source matched the selector.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrUnsupportedSource means the requested kind of capture is not
	// supported in this environment.
	ErrUnsupportedSource = errors.New("capture: unsupported source")

	// ErrDeviceLost means an active stream ended without being stopped.
	ErrDeviceLost = errors.New("capture: device lost")
)

// Kind is a class of audio source.
type Kind string

const (
	// KindMicrophone captures from an input device.
	KindMicrophone Kind = "mic"

	// KindSystem captures the OS output mix (loopback).
	KindSystem Kind = "system"

	// KindDiscord captures a Discord voice channel.
	KindDiscord Kind = "discord"
)

// Selector identifies the source to capture from.
type Selector struct {
	Kind Kind

	// Device is a backend-specific device identifier. Empty selects the
	// backend's default device. For [KindDiscord] it is the voice channel ID.
	Device string
}

// ParseSelector parses the textual selector form used in configuration and
// on the command line: "mic", "mic:<device>", "system", "system:<device>",
// "discord:<channel>". "microphone", "default" and the empty string are
// aliases for "mic"; "loopback" is an alias for "system".
func ParseSelector(s string) (Selector, error) {
	kind, device, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch strings.ToLower(kind) {
	case "", "mic", "microphone", "default":
		return Selector{Kind: KindMicrophone, Device: device}, nil
	case "system", "loopback":
		return Selector{Kind: KindSystem, Device: device}, nil
	case "discord":
		if device == "" {
			return Selector{}, fmt.Errorf("capture: selector %q: discord requires a channel id", s)
		}
		return Selector{Kind: KindDiscord, Device: device}, nil
	default:
		return Selector{}, fmt.Errorf("capture: selector %q: %w", s, ErrUnsupportedSource)
	}
}

// String returns the textual selector form.
func (s Selector) String() string {
	if s.Device == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.Device
}

// Constraints are requested stream properties. Backends honour what their
// mechanism supports and ignore the rest.
type Constraints struct {
	// SampleRate is the preferred capture rate. Backends may deliver frames
	// at a different native rate; frames always carry their actual rate.
	SampleRate int

	// FrameSize is the preferred number of samples per frame.
	FrameSize int

	// EchoCancellation requests OS-level echo cancellation (microphone only).
	EchoCancellation bool

	// NoiseSuppression requests OS-level noise suppression.
	NoiseSuppression bool
}

// DefaultConstraints requests mono 48 kHz in 4096-sample frames with OS-level
// echo cancellation and noise suppression.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       48000,
		FrameSize:        4096,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Device describes one capturable source.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Default bool   `json:"default,omitempty"`
}

// Backend acquires streams for one [Kind] of source.
type Backend interface {
	// Kind returns the source kind this backend serves.
	Kind() Kind

	// Devices enumerates available sources. Backends that cannot enumerate
	// return an empty list.
	Devices(ctx context.Context) ([]Device, error)

	// Open starts capturing from device. It may block pending user or OS
	// permission; ctx bounds that wait. Errors wrap [ErrPermissionDenied],
	// [ErrDeviceUnavailable] or [ErrUnsupportedSource].
	Open(ctx context.Context, device string, c Constraints) (Stream, error)
}

// Stream is a live capture stream returned by a [Backend].
type Stream interface {
	// Frames delivers captured audio. The channel is closed when the stream
	// ends, either after Close or because the device went away. Backends
	// never block the device callback on a slow reader; they drop instead.
	Frames() <-chan audio.Frame

	// Err reports why the stream ended when it ended on its own. It returns
	// nil while the stream is running and after Close.
	Err() error

	// Close stops the device and releases it. Close is idempotent.
	Close() error
}
