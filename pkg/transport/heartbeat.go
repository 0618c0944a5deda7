package transport

import (
	"log/slog"
	"sync"
	"time"
)

// Default heartbeat parameters.
const (
	DefaultHeartbeatInterval = 25 * time.Second
)

// Pinger is the view of a [Transport] the heartbeat needs.
type Pinger interface {
	State() State
	Ping() Outcome
	LastPong() time.Time
	Done() <-chan struct{}
}

// HeartbeatConfig configures a [Heartbeat].
type HeartbeatConfig struct {
	// Interval between pings. Defaults to [DefaultHeartbeatInterval] if zero.
	Interval time.Duration

	// Timeout is how long the connection may go without a pong before
	// OnStale is called. Zero disables liveness detection.
	Timeout time.Duration

	// OnStale is called once per stale period when no pong arrived within
	// Timeout. May be nil.
	OnStale func(since time.Duration)
}

// Heartbeat sends periodic pings while its transport is connected, keeping
// the connection alive through long silences and idle timeouts. Its lifetime
// is bounded by [Heartbeat.Stop] or the transport reaching a terminal state,
// whichever comes first; no timer outlives either.
//
// Server-initiated pings are answered by the [Transport] itself.
type Heartbeat struct {
	p        Pinger
	interval time.Duration
	timeout  time.Duration
	onStale  func(time.Duration)
	now      func() time.Time

	stop     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	start    sync.Once
}

// NewHeartbeat creates a heartbeat for p. Call [Heartbeat.Start] to begin.
func NewHeartbeat(p Pinger, cfg HeartbeatConfig) *Heartbeat {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		p:        p,
		interval: interval,
		timeout:  cfg.Timeout,
		onStale:  cfg.OnStale,
		now:      time.Now,
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start launches the ping loop. Subsequent calls are no-ops.
func (h *Heartbeat) Start() {
	h.start.Do(func() { go h.loop() })
}

// Stop halts the ping loop and waits for it to exit. Safe to call multiple
// times, and before Start.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.start.Do(func() { close(h.exited) })
	<-h.exited
}

func (h *Heartbeat) loop() {
	defer close(h.exited)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Liveness is measured from when the heartbeat starts, not from the last
	// pong of an earlier connection.
	since := h.now()
	stale := false

	for {
		select {
		case <-h.stop:
			return
		case <-h.p.Done():
			return
		case <-ticker.C:
		}

		if h.p.State() != StateConnected {
			continue
		}

		if h.timeout > 0 {
			last := h.p.LastPong()
			if last.After(since) {
				since = last
				stale = false
			}
			if age := h.now().Sub(since); age > h.timeout && !stale {
				stale = true
				slog.Warn("heartbeat: no pong received", "since", age.Round(time.Second))
				if h.onStale != nil {
					h.onStale(age)
				}
			}
		}

		if out := h.p.Ping(); out != OutcomeSent {
			slog.Debug("heartbeat: ping not sent", "outcome", out)
		}
	}
}
