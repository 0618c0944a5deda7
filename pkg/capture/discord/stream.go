package discord

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/meetscribe/pkg/audio"
)

const (
	frameBuffer = 64

	// maxQueuedFrames caps how much audio one speaker may have buffered
	// ahead of the mixer. Older samples are discarded beyond this.
	maxQueuedFrames = 10
)

var errVoiceClosed = errors.New("discord: voice connection closed")

// stream receives Opus packets from one voice connection and mixes every
// speaker into a single mono frame per tick.
//
// stream is safe for concurrent use.
type stream struct {
	vc       *discordgo.VoiceConnection
	interval time.Duration
	frames   chan audio.Frame

	// queues holds decoded, not yet mixed samples keyed by SSRC. Only the
	// run goroutine touches it.
	queues   map[uint32][]float32
	decoders map[uint32]*opusDecoder

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error

	removeHandler func()

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

func newStream(vc *discordgo.VoiceConnection, interval time.Duration) *stream {
	s := &stream{
		vc:           vc,
		interval:     interval,
		frames:       make(chan audio.Frame, frameBuffer),
		queues:       make(map[uint32][]float32),
		decoders:     make(map[uint32]*opusDecoder),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	go s.run()
	return s
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close leaves the voice channel and stops mixing. It is safe to call more
// than once; subsequent calls return nil.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.exited
		if s.removeHandler != nil {
			s.removeHandler()
		}
		if s.disconnectVC != nil {
			err = s.disconnectVC()
		}
	})
	return err
}

func (s *stream) run() {
	defer close(s.exited)
	defer close(s.frames)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var ticks int64
	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.vc.OpusRecv:
			if !ok {
				s.mu.Lock()
				s.err = errVoiceClosed
				s.mu.Unlock()
				return
			}
			if pkt != nil {
				s.receive(pkt)
			}
		case <-ticker.C:
			f := audio.Frame{
				Samples:    mix(s.queues, opusFrameSize),
				SampleRate: opusSampleRate,
				Channels:   1,
				Timestamp:  time.Duration(ticks) * opusFrameSizeMs * time.Millisecond,
			}
			ticks++
			select {
			case s.frames <- f:
			default:
				// Consumer lagging; drop rather than stall the voice socket.
			}
		}
	}
}

// receive decodes pkt into its speaker's queue.
func (s *stream) receive(pkt *discordgo.Packet) {
	dec, ok := s.decoders[pkt.SSRC]
	if !ok {
		var err error
		dec, err = newOpusDecoder()
		if err != nil {
			slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
			return
		}
		s.decoders[pkt.SSRC] = dec
		slog.Debug("discord: new speaker stream", "ssrc", strconv.FormatUint(uint64(pkt.SSRC), 10))
	}
	samples, err := dec.decode(pkt.Opus)
	if err != nil {
		slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
		return
	}
	q := append(s.queues[pkt.SSRC], samples...)
	if limit := maxQueuedFrames * opusFrameSize; len(q) > limit {
		q = q[len(q)-limit:]
	}
	s.queues[pkt.SSRC] = q
}

// mix sums up to n samples from every queue into one clamped buffer and
// consumes them. Speakers with nothing queued contribute silence; drained
// queues are removed.
func mix(queues map[uint32][]float32, n int) []float32 {
	out := make([]float32, n)
	for ssrc, q := range queues {
		take := min(n, len(q))
		for i := range take {
			out[i] += q[i]
		}
		if take == len(q) {
			delete(queues, ssrc)
			continue
		}
		queues[ssrc] = q[take:]
	}
	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}
	return out
}

// handleVoiceStateUpdate logs participants joining and leaving the channel.
func (s *stream) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != s.vc.GuildID {
		return
	}
	channelID := s.vc.ChannelID
	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	switch {
	case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID:
		slog.Info("discord: participant left", "user_id", vsu.UserID, "username", username)
	case vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID):
		slog.Info("discord: participant joined", "user_id", vsu.UserID, "username", username)
	}
}
