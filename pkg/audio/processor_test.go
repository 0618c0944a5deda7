package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

func sine(n, rate int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestProcessor_EncodesAtTargetRate(t *testing.T) {
	t.Parallel()
	p := audio.NewProcessor(audio.ProcessorConfig{})
	level, chunk, err := p.Process(audio.Frame{
		Samples:    sine(480, 48000, 440, 0.5),
		SampleRate: 48000,
		Channels:   1,
		Timestamp:  30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if chunk.Samples() != 160 {
		t.Errorf("chunk samples: got %d, want 160", chunk.Samples())
	}
	if chunk.SampleRate != 16000 {
		t.Errorf("chunk rate: got %d, want 16000", chunk.SampleRate)
	}
	if chunk.Duration() != 10*time.Millisecond {
		t.Errorf("chunk duration: got %v, want 10ms", chunk.Duration())
	}
	if chunk.Silent {
		t.Error("sine chunk marked silent")
	}
	if chunk.Timestamp != 30*time.Millisecond {
		t.Errorf("timestamp: got %v", chunk.Timestamp)
	}
	if level.RMS < 0.3 || level.RMS > 0.4 {
		t.Errorf("RMS: got %v, want ~0.354", level.RMS)
	}
	if !level.Speaking {
		t.Error("expected Speaking for loud sine")
	}
}

func TestProcessor_DoesNotModifyInput(t *testing.T) {
	t.Parallel()
	p := audio.NewProcessor(audio.ProcessorConfig{
		NoiseSuppressor: audio.NoiseGateFactory(audio.NoiseGateConfig{}),
	})
	in := sine(480, 48000, 440, 0.001)
	orig := make([]float32, len(in))
	copy(orig, in)
	if _, _, err := p.Process(audio.Frame{Samples: in, SampleRate: 48000, Channels: 1}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	for i := range in {
		if in[i] != orig[i] {
			t.Fatalf("input modified at %d", i)
		}
	}
}

func TestProcessor_SilentChunk(t *testing.T) {
	t.Parallel()
	p := audio.NewProcessor(audio.ProcessorConfig{})
	in := make([]float32, 160)
	in[3] = 0.0005
	level, chunk, err := p.Process(audio.Frame{Samples: in, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !chunk.Silent {
		t.Errorf("expected silent chunk, peak=%v", chunk.Peak)
	}
	if len(chunk.Data) != 320 {
		t.Errorf("silent chunks are still encoded: got %d bytes, want 320", len(chunk.Data))
	}
	if level.Speaking {
		t.Error("silence reported as speech")
	}
}

func TestProcessor_InvalidRateDropsButMeters(t *testing.T) {
	t.Parallel()
	p := audio.NewProcessor(audio.ProcessorConfig{})
	level, chunk, err := p.Process(audio.Frame{Samples: []float32{0.5, -0.5}, SampleRate: 0, Channels: 1})
	if !errors.Is(err, audio.ErrEncodingFailure) {
		t.Fatalf("expected ErrEncodingFailure, got %v", err)
	}
	if chunk.Data != nil {
		t.Error("dropped frame produced data")
	}
	if math.Abs(level.RMS-0.5) > 1e-9 {
		t.Errorf("level must be computed for dropped frames, got RMS %v", level.RMS)
	}
	if p.Dropped() != 1 {
		t.Errorf("Dropped: got %d, want 1", p.Dropped())
	}
}

type panicSuppressor struct{}

func (panicSuppressor) Suppress([]float32) []float32 { panic("boom") }

func TestProcessor_RecoversPanics(t *testing.T) {
	t.Parallel()
	p := audio.NewProcessor(audio.ProcessorConfig{
		NoiseSuppressor: func(int) (audio.NoiseSuppressor, error) { return panicSuppressor{}, nil },
	})
	_, _, err := p.Process(audio.Frame{Samples: []float32{0.1}, SampleRate: 16000, Channels: 1})
	if !errors.Is(err, audio.ErrEncodingFailure) {
		t.Fatalf("expected ErrEncodingFailure, got %v", err)
	}
}

func TestProcessor_SuppressorInitFailureDegrades(t *testing.T) {
	t.Parallel()
	calls := 0
	p := audio.NewProcessor(audio.ProcessorConfig{
		NoiseSuppressor: func(int) (audio.NoiseSuppressor, error) {
			calls++
			return nil, errors.New("model missing")
		},
	})
	in := sine(160, 16000, 440, 0.5)
	for range 3 {
		_, chunk, err := p.Process(audio.Frame{Samples: in, SampleRate: 16000, Channels: 1})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if got := audio.DecodePCM16(chunk.Data); len(got) != len(in) {
			t.Fatalf("unprocessed audio expected, got %d samples", len(got))
		}
	}
	if calls != 1 {
		t.Errorf("factory calls: got %d, want 1", calls)
	}
	if p.SuppressionActive() {
		t.Error("SuppressionActive should be false after init failure")
	}
}

func TestProcessor_StereoDownmix(t *testing.T) {
	t.Parallel()
	p := audio.NewProcessor(audio.ProcessorConfig{})
	// L and R cancel out.
	in := []float32{0.5, -0.5, 0.5, -0.5}
	level, chunk, err := p.Process(audio.Frame{Samples: in, SampleRate: 16000, Channels: 2})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if chunk.Samples() != 2 {
		t.Errorf("samples: got %d, want 2", chunk.Samples())
	}
	if level.RMS != 0 {
		t.Errorf("RMS: got %v, want 0", level.RMS)
	}
}

func TestProcessor_Run(t *testing.T) {
	t.Parallel()
	p := audio.NewProcessor(audio.ProcessorConfig{})
	in := make(chan audio.Frame, 3)
	out := make(chan audio.Result, 3)

	in <- audio.Frame{Samples: sine(480, 48000, 440, 0.5), SampleRate: 48000, Channels: 1}
	in <- audio.Frame{Samples: []float32{0.2}, SampleRate: -1, Channels: 1}
	in <- audio.Frame{Samples: make([]float32, 480), SampleRate: 48000, Channels: 1}
	close(in)

	p.Run(t.Context(), in, out)
	close(out)

	var results []audio.Result
	for r := range out {
		results = append(results, r)
	}
	if len(results) != 3 {
		t.Fatalf("results: got %d, want 3", len(results))
	}
	if results[0].Dropped || results[0].Chunk.Samples() != 160 {
		t.Errorf("result 0: %+v", results[0])
	}
	if !results[1].Dropped || results[1].Level.RMS == 0 {
		t.Errorf("result 1 should be dropped with a level: %+v", results[1])
	}
	if !results[2].Chunk.Silent {
		t.Error("result 2 should be silent")
	}
}
