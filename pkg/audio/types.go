package audio

import "time"

// DefaultTargetRate is the sample rate the transcription backend expects.
const DefaultTargetRate = 16000

// Frame is one block of captured audio as delivered by a capture backend.
// Frames are ephemeral: they are produced once per device callback and
// consumed immediately by the [Processor].
type Frame struct {
	// Samples holds interleaved float32 samples in [-1, 1]. When Channels is 1
	// this is the mono channel buffer.
	Samples []float32

	// SampleRate is the device's native rate in Hz (e.g. 48000).
	SampleRate int

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Chunk is one encoded unit of audio ready to be sent over the transport:
// 16-bit signed little-endian PCM, mono, at the processor's target rate.
// The Data slice is owned by whoever holds the chunk; it is never aliased
// with a capture buffer.
type Chunk struct {
	Data []byte

	// SampleRate of the encoded PCM.
	SampleRate int

	// Peak is the largest absolute sample value of the frame after optional
	// noise suppression, before encoding.
	Peak float64

	// Silent reports whether Peak fell below the processor's silence
	// threshold. Silent chunks are candidates for gating by the transport.
	Silent bool

	// Timestamp is copied from the source frame.
	Timestamp time.Duration
}

// Samples returns the number of PCM samples in the chunk.
func (c Chunk) Samples() int { return len(c.Data) / 2 }

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples()) * time.Second / time.Duration(c.SampleRate)
}

// Level is the metering output for one frame.
type Level struct {
	// RMS is the root mean square of the raw mono frame.
	RMS float64 `json:"rms"`

	// Peak is the largest absolute raw sample value.
	Peak float64 `json:"peak"`

	// Speaking reports whether the RMS exceeded the configured speech
	// threshold.
	Speaking bool `json:"speaking"`
}
