package voice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/slofp/estella/internal/logging"
)

// Session is the live conversation state for one voice channel. It owns
// the router, the orchestrator and every background task they start.
type Session struct {
	ID        string
	GuildID   string
	CreatedAt time.Time

	tracker   *SpeakingTracker
	buffer    *TranscriptBuffer
	fragments chan Fragment
	router    *Router
	orch      *Orchestrator
	deps      Deps

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	onEmpty   func(*Session)
}

// NewSession builds an idle session. Background tasks start with the first
// speaker. onEmpty, when set, is called once the last speaker has left.
func NewSession(parent context.Context, guildID string, deps Deps, opts Options, onEmpty func(*Session)) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	s := &Session{
		ID:        uuid.NewString(),
		GuildID:   guildID,
		CreatedAt: time.Now(),
		tracker:   NewSpeakingTracker(opts.SilenceTimeout),
		buffer:    NewTranscriptBuffer(),
		fragments: make(chan Fragment, 256),
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		group:     group,
		gctx:      gctx,
		done:      make(chan struct{}),
		onEmpty:   onEmpty,
	}
	s.router = NewRouter(ctx, RouterConfig{
		Recognizer:     deps.Recognizer,
		Tracker:        s.tracker,
		Buffer:         s.buffer,
		Fragments:      s.fragments,
		Recognition:    RecognitionOptions{QueueSize: opts.AudioQueueSize, Profiles: deps.Profiles},
		OnFirstSpeaker: s.start,
		OnEmpty:        s.emptied,
		Metrics:        deps.Metrics,
	})
	s.orch = NewOrchestrator(s.ID, s.buffer, s.tracker, s.router, deps, opts)
	deps.Metrics.SessionOpened()
	logging.Infow("session: created", logging.SessionFields(s.ID, guildID)...)
	return s
}

// Router receives audio and membership events for the session.
func (s *Session) Router() *Router { return s.router }

func (s *Session) Orchestrator() *Orchestrator { return s.orch }

// Done is closed once Close has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) start() {
	s.startOnce.Do(func() {
		s.group.Go(func() error { return s.orch.RunIngest(s.gctx, s.fragments) })
		s.group.Go(func() error { return s.orch.RunDecisions(s.gctx) })
		logging.Infow("session: orchestrator started", logging.SessionFields(s.ID, s.GuildID)...)
	})
}

func (s *Session) emptied() {
	logging.Infow("session: last speaker left", logging.SessionFields(s.ID, s.GuildID)...)
	if s.onEmpty != nil {
		go s.onEmpty(s)
	}
}

// Close tears the session down: recognition streams are flushed, tasks are
// cancelled and joined. Safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Flush recognition while ingestion can still drain the sink.
		s.router.Shutdown()
		s.startOnce.Do(func() {})
		s.cancel()
		err = s.group.Wait()
		s.tracker.Close()
		s.deps.Metrics.SessionClosed()
		logging.Infow("session: closed", logging.SessionFields(s.ID, s.GuildID)...)
		close(s.done)
	})
	<-s.done
	return err
}

// SessionInfo is a read-only view for status endpoints.
type SessionInfo struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	CreatedAt time.Time `json:"created_at"`
	Speakers  []string  `json:"speakers"`
	Phase     string    `json:"phase"`
	Addressed string    `json:"addressed,omitempty"`
	Pending   int       `json:"pending_transcripts"`
}

func (s *Session) Info() SessionInfo {
	st := s.orch.State()
	ids := s.router.Speakers()
	speakers := make([]string, len(ids))
	for i, id := range ids {
		speakers[i] = string(id)
	}
	return SessionInfo{
		ID:        s.ID,
		GuildID:   s.GuildID,
		CreatedAt: s.CreatedAt,
		Speakers:  speakers,
		Phase:     st.Phase().String(),
		Addressed: string(st.Addressed),
		Pending:   s.buffer.Len(),
	}
}
