package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/meetscribe/pkg/capture"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MEETSCRIBE_"

// wsPath is the backend's streaming endpoint relative to its base URL.
const wsPath = "/ws/transcribe"

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment and returns a validated [Config].
// An empty path skips the file and yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		if err := decode(bytes.NewReader(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path (".env" when empty) into the
// process environment. Variables that are already set win. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	slog.Debug("config: loaded environment file", "path", path)
	return nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func finish(cfg *Config) error {
	ApplyDefaults(cfg)
	return Validate(cfg)
}

// ApplyEnv overrides cfg with MEETSCRIBE_* variables read through lookup.
// Empty values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return "", false
		}
		return v, true
	}

	var errs []error
	if v, ok := get("BACKEND_URL"); ok {
		cfg.Backend.URL = v
	}
	if v, ok := get("WS_URL"); ok {
		cfg.Backend.WSURL = v
	}
	if v, ok := get("TOKEN"); ok {
		cfg.Backend.Token = v
	}
	if v, ok := get("TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTIMEOUT: %w", EnvPrefix, err))
		} else {
			cfg.Backend.Timeout = d
		}
	}
	if v, ok := get("SOURCE"); ok {
		cfg.Audio.Source = v
	}
	if v, ok := get("SILENCE_GATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSILENCE_GATE: %w", EnvPrefix, err))
		} else {
			cfg.Audio.SilenceGate = b
		}
	}
	if v, ok := get("DISCORD_TOKEN"); ok {
		cfg.Discord.Token = v
	}
	if v, ok := get("DISCORD_GUILD"); ok {
		cfg.Discord.GuildID = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := get("LOG_FILE"); ok {
		cfg.Server.LogFile = v
	}
	if v, ok := get("STATUS_ADDR"); ok {
		cfg.Server.ListenAddr = v
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills values derived from other fields. It is idempotent.
func ApplyDefaults(cfg *Config) {
	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")
	if cfg.Backend.WSURL == "" {
		if ws, err := DeriveWSURL(cfg.Backend.URL); err == nil {
			cfg.Backend.WSURL = ws
		}
	}
	if cfg.Session.Summary.TemplateType == "" {
		cfg.Session.Summary.TemplateType = cfg.Session.TemplateName
	}
}

// DeriveWSURL maps a REST base URL to the streaming endpoint:
// http → ws, https → wss, with /ws/transcribe appended to the path.
func DeriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + wsPath
	u.RawQuery = ""
	return u.String(), nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if u, err := url.Parse(cfg.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q must be an absolute http or https URL", cfg.Backend.URL))
	}
	if u, err := url.Parse(cfg.Backend.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.ws_url %q must be an absolute ws or wss URL", cfg.Backend.WSURL))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}

	// Session
	if cfg.Session.Mode != "" && !cfg.Session.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("session.mode %q is invalid; valid values: transcribe, translate", cfg.Session.Mode))
	}
	if cfg.Session.Mode == ModeTranslate && cfg.Session.TargetLang == "" {
		errs = append(errs, errors.New("session.target_lang is required when session.mode is translate"))
	}

	// Audio
	sel, err := capture.ParseSelector(cfg.Audio.Source)
	if err != nil {
		errs = append(errs, fmt.Errorf("audio.source: %w", err))
	}
	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is out of range [8000, 48000]", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SilenceThreshold < 0 || cfg.Audio.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.silence_threshold %g is out of range [0, 1)", cfg.Audio.SilenceThreshold))
	}
	if cfg.Audio.SpeechThreshold < 0 || cfg.Audio.SpeechThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.speech_threshold %g is out of range [0, 1)", cfg.Audio.SpeechThreshold))
	}

	// Heartbeat
	if cfg.Heartbeat.Interval < 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval %s must not be negative", cfg.Heartbeat.Interval))
	}
	if cfg.Heartbeat.PongTimeout < 0 {
		errs = append(errs, fmt.Errorf("heartbeat.pong_timeout %s must not be negative", cfg.Heartbeat.PongTimeout))
	}
	if cfg.Heartbeat.PongTimeout > 0 && cfg.Heartbeat.Interval > 0 && cfg.Heartbeat.PongTimeout <= cfg.Heartbeat.Interval {
		slog.Warn("heartbeat.pong_timeout is not longer than heartbeat.interval; the connection may be reported stale between pings",
			"interval", cfg.Heartbeat.Interval,
			"pong_timeout", cfg.Heartbeat.PongTimeout,
		)
	}

	// Discord
	if err == nil && sel.Kind == capture.KindDiscord && cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required when audio.source is a discord channel"))
	}

	return errors.Join(errs...)
}
