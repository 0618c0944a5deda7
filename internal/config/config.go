// Package config provides the configuration schema and loader for the
// meetscribe recording client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a [slog.Level]. Unknown and empty values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Mode selects what the backend produces for a recording.
type Mode string

const (
	// ModeTranscribe produces transcript text only.
	ModeTranscribe Mode = "transcribe"

	// ModeTranslate additionally translates polished segments into the
	// target language.
	ModeTranslate Mode = "translate"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeTranscribe || m == ModeTranslate
}

// Config is the root configuration structure. It is typically loaded with
// [Load] or [LoadFromReader], which start from [Default].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds the local status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the status server that exposes health,
	// metrics and the live session snapshot while recording. Empty disables
	// the server.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, sends logs to a rotated file instead of stderr.
	LogFile string `yaml:"log_file"`

	// LogJSON selects JSON log lines.
	LogJSON bool `yaml:"log_json"`
}

// BackendConfig locates the transcription backend.
type BackendConfig struct {
	// URL is the base URL of the REST API (e.g. "http://127.0.0.1:8000").
	URL string `yaml:"url"`

	// WSURL is the streaming endpoint. When empty it is derived from URL by
	// switching the scheme to ws/wss and appending /ws/transcribe.
	WSURL string `yaml:"ws_url"`

	// Token is sent as a bearer token on REST calls and the WebSocket
	// upgrade request.
	Token string `yaml:"token"`

	// Timeout bounds each REST request.
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig describes the meeting being recorded.
type SessionConfig struct {
	// Title of the meeting. Empty selects "Meeting <local timestamp>".
	Title string `yaml:"title"`

	// Language is stored with the meeting record.
	Language string `yaml:"language"`

	// TemplateName is stored with the meeting record and selects the
	// summary template on the backend.
	TemplateName string `yaml:"template_name"`

	SourceLang    string `yaml:"source_lang"`
	TargetLang    string `yaml:"target_lang"`
	Mode          Mode   `yaml:"mode"`
	InitialPrompt string `yaml:"initial_prompt"`

	Summary SummaryConfig `yaml:"summary"`
}

// SummaryConfig controls the summary requested after a recording ends.
type SummaryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TemplateType string `yaml:"template_type"`
	Context      string `yaml:"context"`
	Length       string `yaml:"length"`
	Style        string `yaml:"style"`
}

// AudioConfig controls capture and frame processing.
type AudioConfig struct {
	// Source is a capture selector: "mic", "mic:<device>", "system",
	// "system:<device>" or "discord:<guild>/<channel>".
	Source string `yaml:"source"`

	// SampleRate is the rate the backend expects.
	SampleRate int `yaml:"sample_rate"`

	// SilenceThreshold is the peak amplitude below which a chunk is silent.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceGate drops silent chunks once the transport is connected.
	SilenceGate bool `yaml:"silence_gate"`

	// SpeechThreshold is the RMS level that lights the speaking indicator.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// EchoCancellation and NoiseSuppression are requested from the OS.
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`

	// NoiseGate enables the in-process adaptive noise gate.
	NoiseGate bool `yaml:"noise_gate"`

	// FFmpegPath is the ffmpeg binary used for system audio capture.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// HeartbeatConfig controls keepalive pings on the streaming connection.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`

	// PongTimeout reports a stale connection when no pong arrived for this
	// long. Zero disables the check.
	PongTimeout time.Duration `yaml:"pong_timeout"`
}

// DiscordConfig configures the voice-channel capture source.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`
}

// Default returns a Config with every default applied. YAML documents are
// decoded on top of it so omitted keys keep their defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:9464",
			LogLevel:   LogInfo,
		},
		Backend: BackendConfig{
			URL:     "http://127.0.0.1:8000",
			Timeout: 15 * time.Second,
		},
		Session: SessionConfig{
			Language:     "en",
			TemplateName: "general",
			SourceLang:   "en",
			TargetLang:   "en",
			Mode:         ModeTranscribe,
			Summary: SummaryConfig{
				TemplateType: "general",
			},
		},
		Audio: AudioConfig{
			Source:           "mic",
			SampleRate:       16000,
			SilenceThreshold: 0.001,
			SilenceGate:      true,
			SpeechThreshold:  0.02,
			EchoCancellation: true,
			NoiseSuppression: true,
			FFmpegPath:       "ffmpeg",
		},
		Heartbeat: HeartbeatConfig{
			Interval: 25 * time.Second,
		},
	}
}
