package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/meetingapi"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/recorder"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/capture"
	"github.com/MrWong99/meetscribe/pkg/transport"
)

var (
	// ErrSessionActive is returned by [SessionManager.Start] while another
	// recording is running.
	ErrSessionActive = errors.New("app: a recording is already active")

	// ErrNoSession is returned when no recording has been started yet.
	ErrNoSession = errors.New("app: no recording")

	// ErrInvalidOptions wraps a malformed [StartOptions] value.
	ErrInvalidOptions = errors.New("app: invalid start options")
)

// StartOptions override the configured session for one recording. Empty
// fields keep the configured value.
type StartOptions struct {
	Title  string `json:"title,omitempty"`
	Source string `json:"source,omitempty"`
}

// SessionManager runs at most one recording at a time and remembers the last
// one after it ends, so its final state stays observable.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	current *recorder.Recorder

	cfg     *config.Config
	api     recorder.MeetingAPI
	capture recorder.Capturer
	dialer  transport.Dialer
	metrics *observe.Metrics
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config  *config.Config
	API     recorder.MeetingAPI
	Capture recorder.Capturer
	// Dialer replaces the WebSocket dialer. Nil uses the default.
	Dialer  transport.Dialer
	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:     cfg.Config,
		api:     cfg.API,
		capture: cfg.Capture,
		dialer:  cfg.Dialer,
		metrics: cfg.Metrics,
	}
}

// Start begins a new recording whose lifetime is bounded by ctx. It returns
// [ErrSessionActive] if a recording has not finished yet.
func (sm *SessionManager) Start(ctx context.Context, opts StartOptions) (*recorder.Recorder, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != nil {
		select {
		case <-sm.current.Done():
		default:
			return nil, fmt.Errorf("%w (session %s)", ErrSessionActive, sm.current.Snapshot().SessionID)
		}
	}

	rcfg, err := sm.recorderConfig(opts)
	if err != nil {
		return nil, err
	}
	rec, err := recorder.New(rcfg)
	if err != nil {
		return nil, err
	}
	sm.current = rec

	if err := rec.Start(ctx); err != nil {
		return rec, err
	}
	slog.Info("session started", "session_id", rec.Snapshot().SessionID, "source", rcfg.Source.String())
	return rec, nil
}

// Stop ends the active recording and waits for its upload. It is a no-op
// when nothing is recording.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	rec := sm.current
	sm.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Stop(ctx)
}

// Current returns the active recording, or the last one if it has ended.
func (sm *SessionManager) Current() (*recorder.Recorder, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current, sm.current != nil
}

// IsActive reports whether a recording is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == nil {
		return false
	}
	select {
	case <-sm.current.Done():
		return false
	default:
		return true
	}
}

// Snapshot returns the state of the current or last recording.
func (sm *SessionManager) Snapshot() (recorder.Snapshot, error) {
	rec, ok := sm.Current()
	if !ok {
		return recorder.Snapshot{}, ErrNoSession
	}
	return rec.Snapshot(), nil
}

// CheckStream is a readiness check that fails while the active recording's
// stream is in the error state.
func (sm *SessionManager) CheckStream(context.Context) error {
	if !sm.IsActive() {
		return nil
	}
	snap, err := sm.Snapshot()
	if err != nil {
		return nil
	}
	if snap.Transport == transport.StateError {
		return transport.ErrConnectionLost
	}
	return nil
}

// recorderConfig translates the application config plus overrides into a
// recorder config.
func (sm *SessionManager) recorderConfig(opts StartOptions) (recorder.Config, error) {
	c := sm.cfg

	source := c.Audio.Source
	if opts.Source != "" {
		source = opts.Source
	}
	sel, err := capture.ParseSelector(source)
	if err != nil {
		return recorder.Config{}, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	title := c.Session.Title
	if t := strings.TrimSpace(opts.Title); t != "" {
		title = t
	}

	rcfg := recorder.Config{
		API:     sm.api,
		Capture: sm.capture,
		Source:  sel,
		Meeting: meetingapi.MeetingCreate{
			Title:        title,
			Language:     c.Session.Language,
			TemplateName: c.Session.TemplateName,
		},
		StreamURL: c.Backend.WSURL,
		Stream: transport.Config{
			SourceLang:    c.Session.SourceLang,
			TargetLang:    c.Session.TargetLang,
			Mode:          string(c.Session.Mode),
			InitialPrompt: c.Session.InitialPrompt,
		},
		Token:       c.Backend.Token,
		Dialer:      sm.dialer,
		SilenceGate: c.Audio.SilenceGate,
		Processor: audio.ProcessorConfig{
			TargetRate:       c.Audio.SampleRate,
			SilenceThreshold: c.Audio.SilenceThreshold,
			SpeechThreshold:  c.Audio.SpeechThreshold,
		},
		Heartbeat: transport.HeartbeatConfig{
			Interval: c.Heartbeat.Interval,
			Timeout:  c.Heartbeat.PongTimeout,
		},
		Metrics: sm.metrics,
	}
	if c.Audio.NoiseGate {
		rcfg.Processor.NoiseSuppressor = audio.NoiseGateFactory(audio.NoiseGateConfig{})
	}
	if s := c.Session.Summary; s.Enabled {
		rcfg.Summary = &meetingapi.SummaryOptions{
			TemplateType: s.TemplateType,
			Context:      s.Context,
			Length:       s.Length,
			Style:        s.Style,
		}
	}
	return rcfg, nil
}
