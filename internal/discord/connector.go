package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/slofp/estella/internal/config"
	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/voice"
)

// Connector joins voice channels and wires each connection to a session
// from the manager. It also ends the session when the connection goes away.
type Connector struct {
	s     *discordgo.Session
	mgr   *voice.Manager
	cfg   config.DiscordConfig
	allow allowList

	NewDecoder DecoderFactory
	NewEncoder EncoderFactory
	// SilenceAfter is passed to each Bridge; see BridgeConfig.
	SilenceAfter time.Duration

	// dial and hangup open and close voice connections.
	dial   func(guildID, channelID string) (*discordgo.VoiceConnection, error)
	hangup func(vc *discordgo.VoiceConnection) error

	// ctx outlives individual joins; Close cancels it.
	ctx  context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	conns map[string]*connection
}

// connection is registered before the join completes; ready is closed
// once vc and bridge are set or the join failed.
type connection struct {
	channelID string
	ready     chan struct{}
	vc        *discordgo.VoiceConnection
	bridge    *Bridge
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewConnector registers itself as the manager's session-end hook.
func NewConnector(s *discordgo.Session, mgr *voice.Manager, cfg config.DiscordConfig) *Connector {
	ctx, stop := context.WithCancel(context.Background())
	c := &Connector{
		s:          s,
		mgr:        mgr,
		cfg:        cfg,
		allow:      newAllowList(cfg.AllowedUserIDs),
		NewDecoder: NewOpusDecoder,
		NewEncoder: NewOpusEncoder,
		dial: func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
			return s.ChannelVoiceJoin(guildID, channelID, false, false)
		},
		hangup: func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() },
		ctx:    ctx,
		stop:   stop,
		conns:  make(map[string]*connection),
	}
	mgr.OnSessionEnd = func(guildID string) { c.disconnect(guildID) }
	return c
}

func (c *Connector) botID() string {
	if c.s != nil && c.s.State != nil && c.s.State.User != nil {
		return c.s.State.User.ID
	}
	return ""
}

// Join connects to channelID and starts a session for the guild. ctx only
// bounds the handshake; the connection lives until Leave or Close.
func (c *Connector) Join(ctx context.Context, guildID, channelID string) error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("join %s: %w", guildID, voice.ErrSessionClosed)
	}
	c.mu.Lock()
	if cur, ok := c.conns[guildID]; ok {
		c.mu.Unlock()
		if cur.channelID == channelID {
			return nil
		}
		return fmt.Errorf("join %s: already connected to channel %s", guildID, cur.channelID)
	}
	conn := &connection{channelID: channelID, ready: make(chan struct{}), done: make(chan struct{})}
	c.conns[guildID] = conn
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		if c.conns[guildID] == conn {
			delete(c.conns, guildID)
		}
		c.mu.Unlock()
		close(conn.done)
		close(conn.ready)
		return err
	}

	// Fail before touching the gateway when the build has no codec.
	if _, err := c.NewEncoder(); err != nil {
		return fail(fmt.Errorf("join %s: %w", guildID, err))
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("join %s: %w", guildID, err))
	}
	vc, err := c.dial(guildID, channelID)
	if err != nil {
		return fail(fmt.Errorf("join %s/%s: %w", guildID, channelID, err))
	}
	if err := ctx.Err(); err != nil {
		_ = c.hangup(vc)
		return fail(fmt.Errorf("join %s: %w", guildID, err))
	}
	sess, err := c.mgr.Join(guildID, NewPlayer(vc, c.NewEncoder))
	if err != nil {
		_ = c.hangup(vc)
		return fail(err)
	}

	bridge := NewBridge(sess.Router(), BridgeConfig{
		GuildID:      guildID,
		ChannelID:    channelID,
		BotID:        c.botID(),
		AllowedUsers: c.cfg.AllowedUserIDs,
		NewDecoder:   c.NewDecoder,
		SilenceAfter: c.SilenceAfter,
	})
	runCtx, cancel := context.WithCancel(c.ctx)
	conn.vc, conn.bridge, conn.cancel = vc, bridge, cancel
	close(conn.ready)

	vc.AddHandler(bridge.HandleSpeakingUpdate)
	go func() {
		defer close(conn.done)
		_ = bridge.Run(runCtx, vc.OpusRecv)
	}()
	if c.s != nil {
		bridge.Seed(c.s.State)
	}
	logging.Infow("connector: joined voice channel", append(logging.GuildFields(guildID, ""), logging.ChannelFields(channelID, "")...)...)
	return nil
}

// Leave ends the guild's session, which disconnects through the hook. It
// reports whether there was a session or a voice connection to end.
func (c *Connector) Leave(guildID string) bool {
	if c.mgr.Leave(guildID) {
		return true
	}
	return c.disconnect(guildID)
}

// disconnect reports whether a voice connection was removed.
func (c *Connector) disconnect(guildID string) bool {
	c.mu.Lock()
	conn, ok := c.conns[guildID]
	delete(c.conns, guildID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	<-conn.ready
	if conn.vc == nil {
		return false
	}
	conn.cancel()
	<-conn.done
	if err := c.hangup(conn.vc); err != nil {
		logging.Warnw("connector: voice disconnect error", append(logging.GuildFields(guildID, ""), "err", err)...)
	}
	logging.Infow("connector: left voice channel", logging.GuildFields(guildID, "")...)
	return true
}

// HandleVoiceState forwards membership changes to the guild's bridge and
// auto-joins the configured channel when an allowed user enters it.
func (c *Connector) HandleVoiceState(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs == nil || vs.VoiceState == nil {
		return
	}
	c.mu.Lock()
	conn, ok := c.conns[vs.GuildID]
	c.mu.Unlock()
	if ok {
		select {
		case <-conn.ready:
			if conn.bridge != nil {
				conn.bridge.HandleVoiceState(s, vs)
			}
		default:
		}
		return
	}
	if vs.GuildID != c.cfg.GuildID || vs.ChannelID == "" || vs.ChannelID != c.cfg.VoiceChannelID {
		return
	}
	if !c.allow.accepts(vs.UserID, c.botID()) {
		return
	}
	go func() {
		if err := c.Join(context.Background(), vs.GuildID, vs.ChannelID); err != nil && !errors.Is(err, voice.ErrSessionClosed) {
			logging.Warnw("connector: auto-join failed", "err", err)
		}
	}()
}

// Close disconnects every voice connection and refuses new joins.
func (c *Connector) Close() {
	c.stop()
	c.mu.Lock()
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.disconnect(id)
	}
}
