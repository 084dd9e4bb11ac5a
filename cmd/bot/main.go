// Command bot runs the voice conversation bot: it joins Discord voice
// channels, listens to every speaker and answers when addressed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/slofp/estella/internal/config"
	"github.com/slofp/estella/internal/discord"
	"github.com/slofp/estella/internal/httpapi"
	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/mcp"
	"github.com/slofp/estella/internal/mcp/manifest"
	"github.com/slofp/estella/internal/metrics"
	"github.com/slofp/estella/internal/profile"
	"github.com/slofp/estella/internal/stt"
	"github.com/slofp/estella/internal/tts"
	"github.com/slofp/estella/internal/voice"
	"github.com/slofp/estella/llm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logging.Init("info")
		logging.FatalExitf("load configuration failed", "err", err)
	}
	logging.Init(cfg.Logging.Level)
	defer logging.Sync()

	if err := cfg.Validate(); err != nil {
		logging.FatalExitf("invalid configuration", "err", err)
	}
	if err := run(cfg); err != nil {
		logging.Errorw("bot stopped with error", "err", err)
		_ = logging.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	store, err := profile.NewStore(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("profile store: %w", err)
	}
	defer store.Close()

	tools := connectTools(ctx, cfg.MCP)
	defer tools.Close()

	dg, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMessages

	synth := tts.New(cfg.Synthesis)
	deps := voice.Deps{
		Recognizer: stt.New(cfg.Recognition),
		Chat:       llm.NewClient(cfg.Chat, cfg.Conversation.TimeZone),
		Synth:      synth,
		Profiles:   store,
		History:    store,
		Names:      discord.NewResolver(dg),
		Metrics:    m,
	}
	if cfg.Discord.AuxChannelID != "" {
		deps.Poster = discord.NewPoster(dg, cfg.Discord.AuxChannelID)
	}
	if tools.Len() > 0 {
		deps.Tools = tools
	}

	mgr := voice.NewManager(ctx, deps, sessionOptions(cfg.Conversation))
	conn := discord.NewConnector(dg, mgr, cfg.Discord)
	conn.SilenceAfter = cfg.Conversation.SilenceTimeout()
	dg.AddHandler(conn.HandleVoiceState)
	dg.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		logging.Infow("discord: ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	api := httpapi.New(mgr, conn, m.Handler())
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.Router(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Infow("http: listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return synth.Archive.RunCleaner(gctx, time.Hour) })
	if cfg.Discord.GuildID != "" && cfg.Discord.VoiceChannelID != "" {
		g.Go(func() error {
			joinCtx, cancel := context.WithTimeout(gctx, 30*time.Second)
			defer cancel()
			if err := conn.Join(joinCtx, cfg.Discord.GuildID, cfg.Discord.VoiceChannelID); err != nil {
				logging.Warnw("voice join failed", "err", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	logging.Infow("shutting down")

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Close()
		conn.Close()
		if err := dg.Close(); err != nil {
			logging.Warnw("discord session close error", "err", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logging.Warnw("shutdown timed out; forcing exit", "timeout", shutdownTimeout.String())
	}
	return runErr
}

// connectTools returns an empty dispatcher when no manifest is configured
// or it cannot be read.
func connectTools(ctx context.Context, cfg config.MCPConfig) *mcp.Dispatcher {
	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		logging.Warnw("mcp: manifest not loaded", "err", err)
		return mcp.NewDispatcher()
	}
	if len(m.Order) == 0 {
		return mcp.NewDispatcher()
	}
	logging.Infow("mcp: manifest loaded", "sources", m.Sources, "servers", len(m.Order))
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return mcp.Connect(connectCtx, m)
}

// sessionOptions maps conversation settings onto turn-taking options.
func sessionOptions(c config.ConversationConfig) voice.Options {
	opts := voice.Options{
		DecisionInterval:  c.DecisionInterval(),
		SilenceTimeout:    c.SilenceTimeout(),
		EngagementTimeout: c.EngagementTimeout(),
		Greeting:          c.EngageGreeting,
		AudioQueueSize:    c.AudioQueueSize,
		Location:          c.Location(),
	}
	var triggers voice.AnyTrigger
	if len(c.WakePhrases) > 0 {
		opts.Wake = voice.NewWakeDetector(c.WakePhrases, c.WakeWindow)
		triggers = append(triggers, voice.WakeTrigger{Detector: opts.Wake})
	}
	if c.TriggerSampleRate > 0 {
		triggers = append(triggers, voice.NewSamplingTrigger(c.TriggerSampleRate, nil))
	}
	if len(triggers) > 0 {
		opts.Trigger = triggers
	}
	return opts
}
