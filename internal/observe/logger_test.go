package observe

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_Stderr(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l, closer := NewLogger(LoggerConfig{Level: slog.LevelWarn, Stderr: &buf})
	defer closer.Close()

	l.Info("hidden")
	l.Warn("shown", "session_id", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line emitted below level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "session_id=abc") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l, _ := NewLogger(LoggerConfig{Level: slog.LevelInfo, JSON: true, Stderr: &buf})
	l.Info("hello", "meeting_id", 7)

	if !strings.Contains(buf.String(), `"meeting_id":7`) {
		t.Errorf("JSON output = %s", buf.String())
	}
}

func TestNewLogger_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meetscribe.log")
	l, closer := NewLogger(LoggerConfig{Level: slog.LevelDebug, File: path})

	l.Debug("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file = %q", data)
	}
}
