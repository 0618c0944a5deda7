package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultSilenceThreshold is the peak amplitude below which a chunk is
// considered silent.
const DefaultSilenceThreshold = 0.001

// DefaultSpeechThreshold is the RMS level at which [Level.Speaking] is set.
const DefaultSpeechThreshold = 0.02

// ErrEncodingFailure is returned by [Processor.Process] when a frame could not
// be resampled or encoded. The frame is dropped; capture continues.
var ErrEncodingFailure = errors.New("audio: encoding failure")

// ProcessorConfig configures a [Processor].
type ProcessorConfig struct {
	// TargetRate is the output sample rate. Default: [DefaultTargetRate].
	TargetRate int

	// SilenceThreshold marks chunks whose peak is below it as silent.
	// Default: [DefaultSilenceThreshold].
	SilenceThreshold float64

	// SpeechThreshold is the RMS level that counts as speech.
	// Default: [DefaultSpeechThreshold].
	SpeechThreshold float64

	// NoiseSuppressor, when non-nil, enables noise suppression. It is
	// invoked lazily with the first frame's sample rate.
	NoiseSuppressor SuppressorFactory
}

// Result is what the processor hands across the real-time boundary for each
// frame: the level always, the chunk unless the frame was dropped.
type Result struct {
	Level   Level
	Chunk   Chunk
	Dropped bool
	Err     error
}

// Processor turns captured [Frame]s into encoded [Chunk]s: downmix, meter,
// optional noise suppression, nearest-index resample, PCM16 encode.
//
// A Processor is owned by a single goroutine (see [Processor.Run]).
type Processor struct {
	cfg ProcessorConfig

	suppressOnce sync.Once
	suppressor   NoiseSuppressor
	suppressErr  error
	suppressing  atomic.Bool

	drops      atomic.Int64
	warnedDrop sync.Once
}

// NewProcessor creates a Processor, filling zero config values with defaults.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = DefaultTargetRate
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	return &Processor{cfg: cfg}
}

// TargetRate returns the output sample rate.
func (p *Processor) TargetRate() int { return p.cfg.TargetRate }

// Dropped returns the number of frames dropped due to encoding failures.
func (p *Processor) Dropped() int64 { return p.drops.Load() }

// SuppressionActive reports whether noise suppression is running. It is
// false until the first frame was processed, when suppression is disabled,
// or when the suppressor failed to initialise.
func (p *Processor) SuppressionActive() bool {
	return p.suppressing.Load()
}

// Process handles one frame. The returned level is always valid, even when
// err is non-nil; err wraps [ErrEncodingFailure] and means the chunk was
// dropped.
func (p *Processor) Process(f Frame) (Level, Chunk, error) {
	mono := DownmixMono(f.Samples, f.Channels)

	rms := RMS(mono)
	level := Level{
		RMS:      rms,
		Peak:     Peak(mono),
		Speaking: rms >= p.cfg.SpeechThreshold,
	}

	chunk, err := p.encode(mono, f)
	if err != nil {
		p.drops.Add(1)
		return level, Chunk{}, err
	}
	return level, chunk, nil
}

func (p *Processor) encode(mono []float32, f Frame) (chunk Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEncodingFailure, r)
		}
	}()

	if f.SampleRate <= 0 {
		return Chunk{}, fmt.Errorf("%w: invalid sample rate %d", ErrEncodingFailure, f.SampleRate)
	}

	if len(mono) == 0 {
		return Chunk{SampleRate: p.cfg.TargetRate, Silent: true, Timestamp: f.Timestamp}, nil
	}

	// Capture backends may reuse their buffers; never write into mono.
	work := make([]float32, len(mono))
	copy(work, mono)

	if s := p.noiseSuppressor(f.SampleRate); s != nil {
		work = s.Suppress(work)
	}

	peak := Peak(work)
	resampled := ResampleNearest(work, f.SampleRate, p.cfg.TargetRate)

	return Chunk{
		Data:       EncodePCM16(resampled),
		SampleRate: p.cfg.TargetRate,
		Peak:       peak,
		Silent:     peak < p.cfg.SilenceThreshold,
		Timestamp:  f.Timestamp,
	}, nil
}

func (p *Processor) noiseSuppressor(sampleRate int) NoiseSuppressor {
	if p.cfg.NoiseSuppressor == nil {
		return nil
	}
	p.suppressOnce.Do(func() {
		p.suppressor, p.suppressErr = p.cfg.NoiseSuppressor(sampleRate)
		if p.suppressErr != nil {
			p.suppressor = nil
			slog.Warn("noise suppression unavailable, continuing with unprocessed audio", "err", p.suppressErr)
			return
		}
		p.suppressing.Store(true)
	})
	return p.suppressor
}

// Run processes frames from in until in is closed or ctx is cancelled,
// delivering one [Result] per frame on out. Run never panics on bad frames:
// failures become results with Dropped set. out is not closed.
func (p *Processor) Run(ctx context.Context, in <-chan Frame, out chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			level, chunk, err := p.Process(f)
			res := Result{Level: level, Chunk: chunk}
			if err != nil {
				p.warnedDrop.Do(func() {
					slog.Warn("audio frame dropped", "err", err)
				})
				slog.Debug("audio frame dropped", "err", err, "total", p.drops.Load())
				res.Dropped = true
				res.Err = err
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}
