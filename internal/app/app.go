// Package app wires the meetscribe subsystems into a running recorder.
//
// The App struct owns the full lifecycle: New builds the meeting API client,
// the capture backends and the session manager, Run serves the status
// endpoint and drives a recording, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithAPI, WithCapture,
// WithDialer). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/health"
	"github.com/MrWong99/meetscribe/internal/meetingapi"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/recorder"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/pkg/capture"
	"github.com/MrWong99/meetscribe/pkg/capture/discord"
	"github.com/MrWong99/meetscribe/pkg/capture/ffmpeg"
	"github.com/MrWong99/meetscribe/pkg/capture/sdl"
	"github.com/MrWong99/meetscribe/pkg/transport"
)

const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	api     recorder.MeetingAPI
	capture recorder.Capturer
	dialer  transport.Dialer
	metrics *observe.Metrics

	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAPI injects the meeting API instead of creating a client from config.
func WithAPI(api recorder.MeetingAPI) Option {
	return func(a *App) { a.api = api }
}

// WithCapture injects the capture session instead of building one from the
// platform backends.
func WithCapture(c recorder.Capturer) Option {
	return func(a *App) { a.capture = c }
}

// WithDialer replaces the WebSocket dialer of every recording.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing is opened
// yet: the Discord gateway and capture devices are opened by the first
// recording that needs them.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.api == nil {
		client, err := NewAPIClient(cfg, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.api = client
	}

	if a.capture == nil {
		sess, closers := NewCaptureSession(cfg)
		a.capture = sess
		a.closers = append(a.closers, closers...)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:  cfg,
		API:     a.api,
		Capture: a.capture,
		Dialer:  a.dialer,
		Metrics: a.metrics,
	})
	a.health = health.New(
		health.Checker{Name: "backend", Check: a.api.Health},
		health.Checker{Name: "stream", Check: a.sessions.CheckStream},
	)
	a.handler = newStatusHandler(a.sessions, a.health, a.metrics)
	return a, nil
}

// NewAPIClient builds the meeting API client from cfg, guarded by a circuit
// breaker whose transitions are logged and counted.
func NewAPIClient(cfg *config.Config, m *observe.Metrics) (*meetingapi.Client, error) {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "meetingapi",
		IsFailure: meetingapi.IsBackendFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker transition", "breaker", name, "from", from, "to", to)
			m.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	return meetingapi.New(cfg.Backend.URL,
		meetingapi.WithToken(cfg.Backend.Token),
		meetingapi.WithTimeout(cfg.Backend.Timeout),
		meetingapi.WithBreaker(breaker),
		meetingapi.WithMetrics(m),
	)
}

// NewCaptureSession registers every capture backend the platform offers.
// The returned closers release backend resources such as the Discord
// gateway.
func NewCaptureSession(cfg *config.Config) (*capture.Session, []func() error) {
	constraints := capture.DefaultConstraints()
	constraints.EchoCancellation = cfg.Audio.EchoCancellation
	constraints.NoiseSuppression = cfg.Audio.NoiseSuppression

	var ffmpegOpts []ffmpeg.Option
	if cfg.Audio.FFmpegPath != "" {
		ffmpegOpts = append(ffmpegOpts, ffmpeg.WithBinary(cfg.Audio.FFmpegPath))
	}
	backends := []capture.Backend{
		sdl.New(),
		ffmpeg.New(ffmpegOpts...),
	}

	var closers []func() error
	if cfg.Discord.Token != "" {
		d := discord.New(discord.Config{Token: cfg.Discord.Token, GuildID: cfg.Discord.GuildID})
		backends = append(backends, d)
		closers = append(closers, d.Close)
	}
	return capture.NewSession(constraints, backends...), closers
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Health returns the readiness checks.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the status server's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// RunOptions control [App.Run].
type RunOptions struct {
	// Start, when non-nil, begins a recording immediately and makes Run
	// return once it has ended. When nil, Run serves until ctx is done and
	// recordings are driven through the status API.
	Start *StartOptions

	// Watch, if set, is called in its own goroutine with the started
	// recording, typically to render it.
	Watch func(*recorder.Recorder)
}

// Run serves the status endpoint (when configured) and drives a recording.
// Cancelling ctx ends the recording the same way a stop request does.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: status server: %w", err)
		}
		slog.Info("status server listening", "addr", ln.Addr().String())
		g.Go(func() error { return a.serve(ctx, ln) })
	}

	if opts.Start == nil {
		<-ctx.Done()
		cancel()
		return g.Wait()
	}

	rec, err := a.sessions.Start(ctx, *opts.Start)
	if err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}
	if opts.Watch != nil {
		g.Go(func() error {
			opts.Watch(rec)
			return nil
		})
	}

	<-rec.Done()
	cancel()
	return errors.Join(rec.Err(), g.Wait())
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("status server shutdown error", "err", err)
		}
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: status server: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops any active recording and tears down all subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil {
			slog.Warn("recording ended with error", "err", err)
			if ctx.Err() != nil {
				shutdownErr = ctx.Err()
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
