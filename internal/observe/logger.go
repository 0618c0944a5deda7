package observe

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation defaults.
const (
	logMaxSizeMB  = 20
	logMaxBackups = 5
	logMaxAgeDays = 28
)

// LoggerConfig configures [NewLogger].
type LoggerConfig struct {
	// Level is the minimum level that is emitted. Pass a [*slog.LevelVar]
	// to change it at runtime.
	Level slog.Leveler

	// File, when set, sends logs to a size-rotated file instead of Stderr.
	// The live terminal transcript owns the terminal during a recording, so
	// long sessions should log to a file.
	File string

	// JSON selects the JSON handler instead of the text handler.
	JSON bool

	// Stderr is the writer used when File is empty. Default: os.Stderr.
	Stderr io.Writer
}

// NewLogger builds a [slog.Logger] from cfg. The returned closer releases
// the log file and is a no-op for terminal logging.
func NewLogger(cfg LoggerConfig) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = cfg.Stderr
		closer io.Closer = nopCloser{}
	)
	if w == nil {
		w = os.Stderr
	}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
