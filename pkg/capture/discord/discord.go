// Package discord provides a [capture.Backend] that records a Discord voice
// channel through a bot account, using the bwmarrin/discordgo library.
//
// The bot joins the channel self-muted, decodes every speaker's Opus stream
// with its own decoder and mixes all speakers into a single 48 kHz mono
// stream at Discord's 20 ms packet cadence. The resulting frames enter the
// same processing pipeline as a microphone.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/meetscribe/pkg/capture"
)

// Compile-time interface assertion.
var _ capture.Backend = (*Backend)(nil)

// ErrNoToken is returned when the backend is used without a bot token.
var ErrNoToken = errors.New("discord: no bot token configured")

// Config holds the bot credentials and the default guild.
type Config struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string

	// GuildID is used when a selector names only a channel. A selector of
	// the form "<guild>/<channel>" overrides it.
	GuildID string
}

// Backend implements [capture.Backend] for Discord voice channels. The
// gateway session is opened lazily on first use and shared by every stream.
//
// Backend is safe for concurrent use.
type Backend struct {
	cfg Config

	mu      sync.Mutex
	session *discordgo.Session

	// mixInterval is the mixer tick. Defaults to one Opus frame; overridden
	// in tests.
	mixInterval time.Duration
}

// New creates a Discord capture backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, mixInterval: opusFrameSizeMs * time.Millisecond}
}

// Kind implements [capture.Backend].
func (b *Backend) Kind() capture.Kind { return capture.KindDiscord }

// connect returns the shared gateway session, opening it if needed.
func (b *Backend) connect() (*discordgo.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return b.session, nil
	}
	if b.cfg.Token == "" {
		return nil, fmt.Errorf("%w: %w", capture.ErrUnsupportedSource, ErrNoToken)
	}
	session, err := discordgo.New("Bot " + b.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := session.Open(); err != nil {
		return nil, classifyError("open gateway", err)
	}
	slog.Info("discord: gateway connected")
	b.session = session
	return session, nil
}

// Close closes the gateway session, if one was opened.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Close()
	b.session = nil
	return err
}

// splitTarget resolves a device string into guild and channel IDs.
func (b *Backend) splitTarget(device string) (guildID, channelID string, err error) {
	if g, c, ok := strings.Cut(device, "/"); ok {
		guildID, channelID = g, c
	} else {
		guildID, channelID = b.cfg.GuildID, device
	}
	if guildID == "" || channelID == "" {
		return "", "", fmt.Errorf("discord: target %q needs a guild and a channel id: %w", device, capture.ErrDeviceUnavailable)
	}
	return guildID, channelID, nil
}

// Devices implements [capture.Backend]. It lists the voice channels of the
// configured guild.
func (b *Backend) Devices(context.Context) ([]capture.Device, error) {
	if b.cfg.GuildID == "" {
		return nil, nil
	}
	session, err := b.connect()
	if err != nil {
		return nil, err
	}
	channels, err := session.GuildChannels(b.cfg.GuildID)
	if err != nil {
		return nil, classifyError("list channels", err)
	}
	var devs []capture.Device
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
			continue
		}
		devs = append(devs, capture.Device{ID: ch.ID, Name: "#" + ch.Name, Kind: capture.KindDiscord})
	}
	return devs, nil
}

// Open implements [capture.Backend]. It joins the voice channel named by
// device and returns a mixed stream of everyone speaking in it. Constraints
// other than the frame cadence do not apply: Discord always delivers 48 kHz.
func (b *Backend) Open(ctx context.Context, device string, _ capture.Constraints) (capture.Stream, error) {
	guildID, channelID, err := b.splitTarget(device)
	if err != nil {
		return nil, err
	}
	session, err := b.connect()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// mute=true (we never speak), deaf=false (we receive audio).
	vc, err := session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, classifyError(fmt.Sprintf("join voice channel %q", channelID), err)
	}

	s := newStream(vc, b.mixInterval)
	s.removeHandler = session.AddHandler(s.handleVoiceStateUpdate)
	slog.Info("discord: recording voice channel", "guild", guildID, "channel", channelID)
	return s, nil
}

// classifyError maps discordgo failures onto the capture error taxonomy.
func classifyError(op string, err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("discord: %s: %w: %w", op, capture.ErrPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("discord: %s: %w: %w", op, capture.ErrDeviceUnavailable, err)
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "4004") || strings.Contains(msg, "authentication failed") {
		return fmt.Errorf("discord: %s: %w: %w", op, capture.ErrPermissionDenied, err)
	}
	return fmt.Errorf("discord: %s: %w: %w", op, capture.ErrDeviceUnavailable, err)
}
