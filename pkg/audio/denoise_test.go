package audio_test

import (
	"testing"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

func TestNewNoiseGate_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		rate    int
		cfg     audio.NoiseGateConfig
		wantErr bool
	}{
		{"defaults", 16000, audio.NoiseGateConfig{}, false},
		{"zero rate", 0, audio.NoiseGateConfig{}, true},
		{"attenuation too high", 16000, audio.NoiseGateConfig{Attenuation: 1}, true},
		{"open ratio too low", 16000, audio.NoiseGateConfig{OpenRatio: 0.5}, true},
		{"negative block", 16000, audio.NoiseGateConfig{BlockDuration: -5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := audio.NewNoiseGate(tt.rate, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNoiseGate_AttenuatesSteadyNoise(t *testing.T) {
	t.Parallel()
	g, err := audio.NewNoiseGate(16000, audio.NoiseGateConfig{})
	if err != nil {
		t.Fatalf("NewNoiseGate: %v", err)
	}

	// Prime the floor with low-level hum.
	for range 20 {
		g.Suppress(sine(160, 16000, 100, 0.01))
	}
	out := g.Suppress(sine(160, 16000, 100, 0.01))
	if peak := audio.Peak(out); peak > 0.002 {
		t.Errorf("noise not attenuated: peak %v", peak)
	}
}

func TestNoiseGate_PassesSpeech(t *testing.T) {
	t.Parallel()
	g, err := audio.NewNoiseGate(16000, audio.NoiseGateConfig{})
	if err != nil {
		t.Fatalf("NewNoiseGate: %v", err)
	}
	for range 20 {
		g.Suppress(sine(160, 16000, 100, 0.01))
	}
	// First loud block ramps the gain up; the following one passes unchanged.
	g.Suppress(sine(160, 16000, 440, 0.5))
	out := g.Suppress(sine(160, 16000, 440, 0.5))
	if peak := audio.Peak(out); peak < 0.45 {
		t.Errorf("speech attenuated: peak %v", peak)
	}
}
