package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultAttempts   = 4
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 8 * time.Second
)

// RetryConfig configures [Retry].
type RetryConfig struct {
	// Name is a label used in log messages.
	Name string

	// Attempts is the total number of tries, including the first. Default: 4.
	Attempts int

	// Backoff is the wait before the second try. It doubles after every
	// failure up to MaxBackoff. Default: 500ms.
	Backoff time.Duration

	// MaxBackoff caps the wait between tries. Default: 8s.
	MaxBackoff time.Duration

	// Retryable reports whether err is worth another try. Default: anything
	// but [ErrCircuitOpen] and context errors.
	Retryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Retryable == nil {
		c.Retryable = func(err error) bool {
			return !errors.Is(err, ErrCircuitOpen) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}
	}
	return c
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()
	backoff := cfg.Backoff

	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				slog.Info("resilience: retry succeeded", "name", cfg.Name, "attempt", attempt)
			}
			return nil
		}
		if !cfg.Retryable(err) || attempt == cfg.Attempts {
			break
		}

		slog.Warn("resilience: attempt failed, retrying",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"backoff", backoff,
			"err", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		case <-timer.C:
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}
	return err
}
