package voice

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/metrics"
)

// Participants is the live speaker set of a session.
type Participants interface {
	Speakers() []SpeakerID
	Has(id SpeakerID) bool
	// Admit runs fn while id is guaranteed to stay present.
	Admit(id SpeakerID, fn func()) bool
}

// SpeakingReader exposes debounced speaking flags.
type SpeakingReader interface {
	Get(id SpeakerID) bool
}

// Deps are the collaborators an Orchestrator calls out to. Chat, Synth,
// Player and Profiles are required; the rest are optional.
type Deps struct {
	Recognizer Recognizer
	Chat       ChatBackend
	Synth      Synthesizer
	Player     Player
	Profiles   ProfileStore
	History    HistoryStore
	Poster     MessagePoster
	Tools      ToolDispatcher
	Names      NameResolver
	Metrics    *metrics.Metrics
}

// Options tune turn-taking.
type Options struct {
	DecisionInterval  time.Duration
	SilenceTimeout    time.Duration
	EngagementTimeout time.Duration
	Trigger           Trigger
	// Wake and Greeting make a bare wake phrase answer with Greeting
	// instead of a backend call.
	Wake           *WakeDetector
	Greeting       string
	AudioQueueSize int
	Location       *time.Location
	Voice          VoiceProfile
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DecisionInterval <= 0 {
		o.DecisionInterval = time.Second
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = 500 * time.Millisecond
	}
	if o.Trigger == nil {
		o.Trigger = always
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AudioQueueSize <= 0 {
		o.AudioQueueSize = defaultRecognitionQueue
	}
	return o
}

// Phase is the orchestrator's turn-taking phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseEngaged
	PhaseResolving
)

func (p Phase) String() string {
	switch p {
	case PhaseEngaged:
		return "engaged"
	case PhaseResolving:
		return "resolving"
	default:
		return "idle"
	}
}

// State is a snapshot of the orchestration state. Addressed is empty
// unless Engaged.
type State struct {
	Engaged      bool
	Addressed    SpeakerID
	Token        string
	Resolving    bool
	LastActivity time.Time
}

func (s State) Phase() Phase {
	switch {
	case s.Resolving:
		return PhaseResolving
	case s.Engaged:
		return PhaseEngaged
	default:
		return PhaseIdle
	}
}

// Orchestrator runs the turn-taking decision cycle for one session.
type Orchestrator struct {
	sessionID    string
	buffer       *TranscriptBuffer
	speaking     SpeakingReader
	participants Participants
	deps         Deps
	opts         Options

	mu    sync.Mutex
	state State
}

func NewOrchestrator(sessionID string, buffer *TranscriptBuffer, speaking SpeakingReader, participants Participants, deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		sessionID:    sessionID,
		buffer:       buffer,
		speaking:     speaking,
		participants: participants,
		deps:         deps,
		opts:         opts.withDefaults(),
	}
}

// State returns a copy of the current orchestration state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setResolving(v bool) {
	o.mu.Lock()
	o.state.Resolving = v
	o.mu.Unlock()
}

func (o *Orchestrator) engage(id SpeakerID) {
	o.mu.Lock()
	o.state.Engaged = true
	o.state.Addressed = id
	o.state.LastActivity = o.opts.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) goIdle() {
	o.mu.Lock()
	o.state.Engaged = false
	o.state.Addressed = ""
	o.mu.Unlock()
}

func (o *Orchestrator) setToken(tok string) {
	o.mu.Lock()
	o.state.Token = tok
	o.mu.Unlock()
}

// RunIngest moves fragments into the transcript buffer until ctx ends.
func (o *Orchestrator) RunIngest(ctx context.Context, fragments <-chan Fragment) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-fragments:
			if !o.participants.Admit(f.Speaker, func() { o.buffer.Append(f.Speaker, f.Text) }) {
				logging.Debugw("orchestrator: fragment from departed speaker dropped", "session.id", o.sessionID, "speaker.id", string(f.Speaker))
				continue
			}
			o.deps.Metrics.FragmentReceived()
		}
	}
}

// RunDecisions runs Cycle every DecisionInterval until ctx ends. A cycle
// that invokes the response pipeline delays the next tick until playback
// has completed.
func (o *Orchestrator) RunDecisions(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.DecisionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Cycle(ctx)
		}
	}
}

// Cycle runs one decision over the currently buffered transcripts.
func (o *Orchestrator) Cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("orchestrator: cycle panic", "session.id", o.sessionID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			o.setResolving(false)
			o.goIdle()
		}
	}()
	if ctx.Err() != nil {
		return
	}
	outcome := o.decide(ctx)
	o.deps.Metrics.Cycle(outcome)
}

func (o *Orchestrator) decide(ctx context.Context) string {
	snapshot := o.buffer.Drain()
	present := make(map[SpeakerID]bool)
	for _, id := range o.participants.Speakers() {
		present[id] = true
	}

	st := o.State()
	if st.Engaged && !present[st.Addressed] {
		logging.Infow("orchestrator: addressed speaker gone, ending topic", "session.id", o.sessionID, "speaker.id", string(st.Addressed))
		o.goIdle()
		st = o.State()
	}
	if st.Engaged && o.opts.EngagementTimeout > 0 && o.opts.Now().Sub(st.LastActivity) >= o.opts.EngagementTimeout {
		logging.Infow("orchestrator: engagement timed out", "session.id", o.sessionID, "speaker.id", string(st.Addressed))
		o.goIdle()
		st = o.State()
	}

	ready := make(map[SpeakerID]string)
	speaking := make(map[SpeakerID]string)
	for id, text := range snapshot {
		if !present[id] || isBlank(text) {
			continue
		}
		if o.speaking.Get(id) {
			speaking[id] = text
			continue
		}
		ready[id] = text
	}
	for id, text := range speaking {
		o.buffer.Requeue(id, text)
	}

	if len(ready) == 0 {
		if len(speaking) > 0 {
			return "waiting"
		}
		return "empty"
	}

	if st.Engaged {
		for id := range ready {
			if id != st.Addressed {
				logging.Debugw("orchestrator: ignoring non-addressed speaker", "session.id", o.sessionID, "speaker.id", string(id))
			}
		}
		text, ok := ready[st.Addressed]
		if !ok {
			return "ignored"
		}
		o.runSingle(ctx, st.Addressed, text)
		return "responded"
	}

	// idle: do not cut off slower speakers while several are mid-utterance
	if len(speaking) > 1 {
		o.requeueAll(ready)
		return "deferred"
	}

	if len(present) == 1 {
		for id, text := range ready {
			o.engageAndRespond(ctx, id, text)
		}
		return "responded"
	}

	if !o.opts.Trigger.Fire(ready) {
		logging.Debugw("orchestrator: not triggered", "session.id", o.sessionID, "ready", len(ready))
		return "untriggered"
	}

	if len(ready) > 1 {
		// a group turn waits until nobody is mid-speech
		if len(speaking) > 0 {
			o.requeueAll(ready)
			return "deferred"
		}
		o.runGroup(ctx, ready)
		return "responded"
	}
	for id, text := range ready {
		o.engageAndRespond(ctx, id, text)
	}
	return "responded"
}

func (o *Orchestrator) requeueAll(texts map[SpeakerID]string) {
	for id, text := range texts {
		o.buffer.Requeue(id, text)
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f', '　':
		default:
			return false
		}
	}
	return true
}

// engageAndRespond addresses id and answers. A bare wake phrase is
// answered with the greeting.
func (o *Orchestrator) engageAndRespond(ctx context.Context, id SpeakerID, text string) {
	o.engage(id)
	if o.opts.Wake != nil && o.opts.Greeting != "" {
		if ok, rest := o.opts.Wake.Detect(text); ok && rest == "" {
			o.greet(ctx, id)
			return
		}
	}
	o.runSingle(ctx, id, text)
}

func (o *Orchestrator) greet(ctx context.Context, id SpeakerID) {
	o.setResolving(true)
	defer o.setResolving(false)
	ctx = logging.WithFields(ctx, "session.id", o.sessionID, "speaker.id", string(id))
	o.deps.Metrics.Pipeline("greeting")
	if err := o.speak(ctx, o.opts.Greeting); err != nil {
		logging.WarnwCtx(ctx, "orchestrator: greeting failed", "err", err)
		o.goIdle()
	}
}

func (o *Orchestrator) logger(ctx context.Context, speakers []SpeakerID) context.Context {
	ids := make([]string, len(speakers))
	for i, s := range speakers {
		ids[i] = string(s)
	}
	return logging.WithFields(ctx, "session.id", o.sessionID, "turn.id", uuid.NewString(), "speakers", ids)
}
