// Package discord connects Discord voice channels to voice sessions.
package discord

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/voice"
)

// Sink receives per-speaker audio events. *voice.Router implements it.
type Sink interface {
	OnSpeakerPresence(id voice.SpeakerID)
	OnAudioTick(frames map[voice.SpeakerID][]int16, silent []voice.SpeakerID)
	OnSpeakerDeparture(id voice.SpeakerID)
}

// BridgeConfig configures a Bridge for one voice channel.
type BridgeConfig struct {
	GuildID   string
	ChannelID string
	// BotID is ignored as a speaker.
	BotID string
	// AllowedUsers restricts speakers when non-empty.
	AllowedUsers []string
	NewDecoder   DecoderFactory
	// Tick is the audio tick period; 20 ms by default.
	Tick time.Duration
	// SilenceAfter is how long a present user must send no packets before
	// being reported silent, so that packet jitter does not end an
	// utterance early. 200 ms by default; never less than one tick.
	SilenceAfter time.Duration
}

// Bridge turns a voice connection's opus packets and gateway events into
// Sink calls. SSRCs are mapped to users from speaking updates; each SSRC has
// its own decoder because opus decoding is stateful.
type Bridge struct {
	sink  Sink
	cfg   BridgeConfig
	allow allowList

	mu       sync.Mutex
	ssrcUser map[uint32]string
	decoders map[uint32]Decoder
	present  map[string]bool
	pending  map[string][]int16
	// quiet counts consecutive ticks without packets per present user.
	quiet        map[string]int
	silenceTicks int

	unknownLog *rate.Limiter
}

func NewBridge(sink Sink, cfg BridgeConfig) *Bridge {
	if cfg.Tick <= 0 {
		cfg.Tick = 20 * time.Millisecond
	}
	if cfg.NewDecoder == nil {
		cfg.NewDecoder = NewOpusDecoder
	}
	if cfg.SilenceAfter <= 0 {
		cfg.SilenceAfter = 200 * time.Millisecond
	}
	ticks := int((cfg.SilenceAfter + cfg.Tick - 1) / cfg.Tick)
	if ticks < 1 {
		ticks = 1
	}
	b := &Bridge{
		sink:         sink,
		cfg:          cfg,
		ssrcUser:     make(map[uint32]string),
		decoders:     make(map[uint32]Decoder),
		present:      make(map[string]bool),
		pending:      make(map[string][]int16),
		quiet:        make(map[string]int),
		silenceTicks: ticks,
		allow:        newAllowList(cfg.AllowedUsers),
		unknownLog:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	return b
}

func (b *Bridge) accepts(userID string) bool { return b.allow.accepts(userID, b.cfg.BotID) }

// allowList is nil when every user is allowed.
type allowList map[string]struct{}

func newAllowList(ids []string) allowList {
	var a allowList
	for _, id := range ids {
		if id == "" {
			continue
		}
		if a == nil {
			a = make(allowList)
		}
		a[id] = struct{}{}
	}
	return a
}

// accepts rejects the bot itself and anyone outside a non-empty list.
func (a allowList) accepts(userID, botID string) bool {
	if userID == "" || userID == botID {
		return false
	}
	if a == nil {
		return true
	}
	_, ok := a[userID]
	return ok
}

// HandleSpeakingUpdate maps the SSRC to its user and reports presence.
func (b *Bridge) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || !b.accepts(su.UserID) {
		return
	}
	ssrc := uint32(su.SSRC)
	b.mu.Lock()
	if prev, ok := b.ssrcUser[ssrc]; ok && prev != su.UserID {
		delete(b.decoders, ssrc)
	}
	b.ssrcUser[ssrc] = su.UserID
	b.present[su.UserID] = true
	b.mu.Unlock()
	logging.Debugw("bridge: mapped SSRC to user", "ssrc", ssrc, "user_id", su.UserID)
	b.sink.OnSpeakerPresence(voice.SpeakerID(su.UserID))
}

// HandleVoiceState reports users joining or leaving the bridged channel.
func (b *Bridge) HandleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil || vs.GuildID != b.cfg.GuildID || !b.accepts(vs.UserID) {
		return
	}
	if vs.ChannelID == b.cfg.ChannelID {
		b.mu.Lock()
		b.present[vs.UserID] = true
		b.mu.Unlock()
		b.sink.OnSpeakerPresence(voice.SpeakerID(vs.UserID))
		return
	}
	b.mu.Lock()
	was := b.present[vs.UserID]
	if vs.BeforeUpdate != nil && vs.BeforeUpdate.ChannelID == b.cfg.ChannelID {
		was = true
	}
	b.forgetLocked(vs.UserID)
	b.mu.Unlock()
	if was {
		logging.Infow("bridge: user left channel", append(logging.UserFields(vs.UserID, ""), logging.ChannelFields(b.cfg.ChannelID, "")...)...)
		b.sink.OnSpeakerDeparture(voice.SpeakerID(vs.UserID))
	}
}

func (b *Bridge) forgetLocked(userID string) {
	delete(b.present, userID)
	delete(b.pending, userID)
	delete(b.quiet, userID)
	for ssrc, uid := range b.ssrcUser {
		if uid == userID {
			delete(b.ssrcUser, ssrc)
			delete(b.decoders, ssrc)
		}
	}
}

// Seed reports everyone already in the channel, read from the state cache.
func (b *Bridge) Seed(state *discordgo.State) {
	if state == nil {
		return
	}
	g, err := state.Guild(b.cfg.GuildID)
	if err != nil || g == nil {
		return
	}
	var users []string
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == b.cfg.ChannelID && b.accepts(vs.UserID) {
			users = append(users, vs.UserID)
		}
	}
	b.mu.Lock()
	for _, u := range users {
		b.present[u] = true
	}
	b.mu.Unlock()
	for _, u := range users {
		b.sink.OnSpeakerPresence(voice.SpeakerID(u))
	}
}

// ProcessPacket decodes one opus packet into the current tick.
func (b *Bridge) ProcessPacket(ssrc uint32, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uid, ok := b.ssrcUser[ssrc]
	if !ok {
		if b.unknownLog.Allow() {
			logging.Debugw("bridge: packet from unmapped SSRC dropped", "ssrc", ssrc)
		}
		return
	}
	dec, ok := b.decoders[ssrc]
	if !ok {
		var err error
		dec, err = b.cfg.NewDecoder()
		if err != nil {
			logging.Errorw("bridge: decoder init failed", "ssrc", ssrc, "err", err)
			return
		}
		b.decoders[ssrc] = dec
	}
	pcm := make([]int16, frameSize*channels*6)
	n, err := dec.Decode(payload, pcm)
	if err != nil {
		logging.Warnw("bridge: opus decode error", "ssrc", ssrc, "err", err)
		return
	}
	b.pending[uid] = append(b.pending[uid], pcm[:n*channels]...)
}

// Flush emits one tick: users with audio since the last tick are speaking.
// A present user is reported silent once, on the tick that completes
// SilenceAfter without packets.
func (b *Bridge) Flush() {
	b.mu.Lock()
	frames := make(map[voice.SpeakerID][]int16, len(b.pending))
	for uid, pcm := range b.pending {
		if len(pcm) > 0 {
			frames[voice.SpeakerID(uid)] = pcm
		}
	}
	b.pending = make(map[string][]int16)
	var silent []voice.SpeakerID
	for uid := range b.present {
		if _, ok := frames[voice.SpeakerID(uid)]; ok {
			b.quiet[uid] = 0
			continue
		}
		b.quiet[uid]++
		if b.quiet[uid] == b.silenceTicks {
			silent = append(silent, voice.SpeakerID(uid))
		}
	}
	b.mu.Unlock()
	if len(frames) == 0 && len(silent) == 0 {
		return
	}
	b.sink.OnAudioTick(frames, silent)
}

// Run reads packets from recv and flushes every tick until ctx is done or
// recv is closed.
func (b *Bridge) Run(ctx context.Context, recv <-chan *discordgo.Packet) error {
	ticker := time.NewTicker(b.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-recv:
			if !ok {
				b.Flush()
				return nil
			}
			if pkt == nil {
				continue
			}
			b.ProcessPacket(pkt.SSRC, pkt.Opus)
		case <-ticker.C:
			b.Flush()
		}
	}
}
