package discord

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/meetscribe/pkg/capture"
)

// ── test helpers ─────────────────────────────────────────────────────────────

// newTestStream creates a stream backed by fake voice channels instead of a
// real Discord voice connection.
func newTestStream(t *testing.T) *stream {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		GuildID:   "guild-test",
		ChannelID: "voice-test",
		OpusRecv:  make(chan *discordgo.Packet, 16),
	}
	s := newStream(vc, 5*time.Millisecond)
	s.disconnectVC = func() error { return nil }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// silenceOpus is a valid Opus silence frame.
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// ── Backend tests ────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	b := New(Config{Token: "tok", GuildID: "guild-123"})
	if b.Kind() != capture.KindDiscord {
		t.Errorf("Kind = %v, want discord", b.Kind())
	}
	if b.mixInterval != 20*time.Millisecond {
		t.Errorf("mixInterval = %v, want 20ms", b.mixInterval)
	}
}

func TestBackend_OpenWithoutToken(t *testing.T) {
	t.Parallel()

	b := New(Config{GuildID: "g"})
	_, err := b.Open(t.Context(), "c", capture.DefaultConstraints())
	if !errors.Is(err, capture.ErrUnsupportedSource) || !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrUnsupportedSource wrapping ErrNoToken", err)
	}
}

func TestBackend_SplitTarget(t *testing.T) {
	t.Parallel()

	b := New(Config{GuildID: "g1"})
	tests := []struct {
		device      string
		wantGuild   string
		wantChannel string
		wantErr     bool
	}{
		{"c1", "g1", "c1", false},
		{"g2/c2", "g2", "c2", false},
		{"g2/", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		g, c, err := b.splitTarget(tt.device)
		if tt.wantErr {
			if !errors.Is(err, capture.ErrDeviceUnavailable) {
				t.Errorf("splitTarget(%q) err = %v, want ErrDeviceUnavailable", tt.device, err)
			}
			continue
		}
		if err != nil || g != tt.wantGuild || c != tt.wantChannel {
			t.Errorf("splitTarget(%q) = %q, %q, %v", tt.device, g, c, err)
		}
	}

	noGuild := New(Config{})
	if _, _, err := noGuild.splitTarget("c1"); err == nil {
		t.Error("expected error without a guild")
	}
}

func TestBackend_DevicesWithoutGuild(t *testing.T) {
	t.Parallel()

	devs, err := New(Config{Token: "tok"}).Devices(t.Context())
	if err != nil || devs != nil {
		t.Errorf("Devices = %v, %v; want nil, nil", devs, err)
	}
}

func TestBackend_CloseWithoutSession(t *testing.T) {
	t.Parallel()

	if err := New(Config{}).Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	rest := func(code int) error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: code}}
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", rest(http.StatusUnauthorized), capture.ErrPermissionDenied},
		{"forbidden", rest(http.StatusForbidden), capture.ErrPermissionDenied},
		{"not found", rest(http.StatusNotFound), capture.ErrDeviceUnavailable},
		{"gateway auth", errors.New("websocket: close 4004: Authentication failed."), capture.ErrPermissionDenied},
		{"timeout", errors.New("timeout waiting for voice"), capture.ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyError("op", tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classifyError = %v, want %v", got, tt.want)
			}
		})
	}
}

// ── stream tests ─────────────────────────────────────────────────────────────

func TestMix(t *testing.T) {
	t.Parallel()

	queues := map[uint32][]float32{
		1: {0.5, 0.5, 0.5, 0.5},
		2: {0.25, 0.75},
	}
	got := mix(queues, 3)
	want := []float32{0.75, 1, 0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mix[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if _, ok := queues[2]; ok {
		t.Error("drained queue should be removed")
	}
	if len(queues[1]) != 1 {
		t.Errorf("remaining samples for ssrc 1 = %d, want 1", len(queues[1]))
	}

	silent := mix(map[uint32][]float32{}, 4)
	for _, v := range silent {
		if v != 0 {
			t.Fatalf("empty mix produced %v", silent)
		}
	}
}

func TestStream_EmitsMixedFrames(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)
	s.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	s.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}

	select {
	case f := <-s.Frames():
		if f.SampleRate != opusSampleRate || f.Channels != 1 {
			t.Errorf("frame format = %d/%d, want 48000/1", f.SampleRate, f.Channels)
		}
		if len(f.Samples) != opusFrameSize {
			t.Errorf("len(Samples) = %d, want %d", len(f.Samples), opusFrameSize)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a mixed frame")
	}
}

func TestStream_VoiceCloseEndsStream(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)
	close(s.vc.OpusRecv)

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-s.Frames():
			if ok {
				continue
			}
			if !errors.Is(s.Err(), errVoiceClosed) {
				t.Errorf("Err = %v, want errVoiceClosed", s.Err())
			}
			return
		case <-deadline:
			t.Fatal("Frames not closed after the voice connection closed")
		}
	}
}

func TestStream_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStream(t)
	var calls int
	var mu sync.Mutex
	s.disconnectVC = func() error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = s.Close()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("disconnect called %d times, want 1", calls)
	}
	if s.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", s.Err())
	}
}
