package audio

import (
	"errors"
	"fmt"
	"math"
)

// NoiseSuppressor removes stationary background noise from mono samples.
// Implementations may keep state between calls and are used from a single
// goroutine.
type NoiseSuppressor interface {
	// Suppress returns the cleaned samples. It may modify samples in place.
	Suppress(samples []float32) []float32
}

// SuppressorFactory constructs a [NoiseSuppressor]. A non-nil error means the
// suppressor is unavailable and audio should pass through unprocessed.
type SuppressorFactory func(sampleRate int) (NoiseSuppressor, error)

// NoiseGateConfig tunes the adaptive [NoiseGate].
type NoiseGateConfig struct {
	// BlockDuration is the analysis window in milliseconds. Default: 10.
	BlockDuration int

	// Attenuation is the gain applied to blocks classified as noise, in
	// [0, 1). Default: 0.1.
	Attenuation float64

	// OpenRatio is how far above the tracked noise floor a block's RMS must
	// be for the gate to open. Must be > 1. Default: 2.5.
	OpenRatio float64

	// FloorRise bounds how fast the noise floor may rise per block, as a
	// multiplier. Default: 1.01.
	FloorRise float64
}

// NoiseGate is a lightweight adaptive noise suppressor. It tracks the noise
// floor as a slow-rising minimum of per-block RMS and attenuates blocks that
// stay close to it, with a short linear ramp between gain levels to avoid
// clicks.
type NoiseGate struct {
	cfg   NoiseGateConfig
	block int
	floor float64
	gain  float64
}

// NewNoiseGate returns a gate for the given sample rate.
func NewNoiseGate(sampleRate int, cfg NoiseGateConfig) (*NoiseGate, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: noise gate: invalid sample rate %d", sampleRate)
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = 10
	}
	if cfg.Attenuation == 0 {
		cfg.Attenuation = 0.1
	}
	if cfg.OpenRatio == 0 {
		cfg.OpenRatio = 2.5
	}
	if cfg.FloorRise == 0 {
		cfg.FloorRise = 1.01
	}

	var errs []error
	if cfg.BlockDuration < 0 {
		errs = append(errs, fmt.Errorf("block duration must be positive, got %d", cfg.BlockDuration))
	}
	if cfg.Attenuation < 0 || cfg.Attenuation >= 1 {
		errs = append(errs, fmt.Errorf("attenuation must be in [0, 1), got %g", cfg.Attenuation))
	}
	if cfg.OpenRatio <= 1 {
		errs = append(errs, fmt.Errorf("open ratio must be > 1, got %g", cfg.OpenRatio))
	}
	if cfg.FloorRise < 1 {
		errs = append(errs, fmt.Errorf("floor rise must be >= 1, got %g", cfg.FloorRise))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("audio: noise gate: %w", err)
	}

	block := sampleRate * cfg.BlockDuration / 1000
	if block < 1 {
		block = 1
	}
	return &NoiseGate{cfg: cfg, block: block, gain: 1}, nil
}

// NoiseGateFactory adapts [NewNoiseGate] to a [SuppressorFactory].
func NoiseGateFactory(cfg NoiseGateConfig) SuppressorFactory {
	return func(sampleRate int) (NoiseSuppressor, error) {
		return NewNoiseGate(sampleRate, cfg)
	}
}

// Suppress implements [NoiseSuppressor]. Samples are modified in place.
func (g *NoiseGate) Suppress(samples []float32) []float32 {
	for start := 0; start < len(samples); start += g.block {
		end := min(start+g.block, len(samples))
		blk := samples[start:end]
		rms := RMS(blk)

		switch {
		case g.floor == 0:
			g.floor = rms
		case rms < g.floor:
			g.floor = rms
		default:
			g.floor = math.Min(rms, g.floor*g.cfg.FloorRise)
		}

		target := g.cfg.Attenuation
		if rms > g.floor*g.cfg.OpenRatio {
			target = 1
		}

		step := (target - g.gain) / float64(len(blk))
		for i := range blk {
			g.gain += step
			blk[i] = float32(float64(blk[i]) * g.gain)
		}
		g.gain = target
	}
	return samples
}
