package voice

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/metrics"
)

const defaultRetryDelay = 5 * time.Second

// RouterConfig wires a Router to its session.
type RouterConfig struct {
	Recognizer  Recognizer
	Tracker     *SpeakingTracker
	Buffer      *TranscriptBuffer
	Fragments   chan<- Fragment
	Recognition RecognitionOptions
	// RetryDelay is the minimum gap between attempts to reopen a failed
	// recognition stream.
	RetryDelay time.Duration
	// OnFirstSpeaker runs when the first speaker is registered.
	OnFirstSpeaker func()
	// OnEmpty runs when the last tracked speaker departs.
	OnEmpty func()
	Metrics *metrics.Metrics
}

// Router demultiplexes the call's audio ticks by speaker and owns the
// per-speaker recognition sessions. It never waits on the network.
type Router struct {
	ctx context.Context
	cfg RouterConfig

	mu       sync.Mutex
	speakers map[SpeakerID]*speakerState
	closing  bool
	pending  sync.WaitGroup
	started  bool

	dropLog *rate.Limiter
}

type speakerState struct {
	id  SpeakerID
	rec *RecognitionSession
}

// NewRouter creates a router whose recognition sessions live as long as ctx.
func NewRouter(ctx context.Context, cfg RouterConfig) *Router {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Router{
		ctx:      ctx,
		cfg:      cfg,
		speakers: make(map[SpeakerID]*speakerState),
		dropLog:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// OnSpeakerPresence registers id, opening its recognition session.
// Repeated presence events retry a failed session.
func (r *Router) OnSpeakerPresence(id SpeakerID) {
	if id == "" {
		return
	}
	r.mu.Lock()
	first := r.presenceLocked(id)
	r.mu.Unlock()
	if first && r.cfg.OnFirstSpeaker != nil {
		r.cfg.OnFirstSpeaker()
	}
}

// presenceLocked returns true when this registered the router's first
// speaker ever.
func (r *Router) presenceLocked(id SpeakerID) bool {
	if r.closing {
		return false
	}
	st, ok := r.speakers[id]
	if ok {
		r.retryLocked(st)
		return false
	}
	st = &speakerState{id: id}
	r.speakers[id] = st
	r.cfg.Tracker.Add(id)
	st.rec = r.startLocked(id)
	r.cfg.Metrics.SpeakerJoined()
	logging.Infow("router: speaker joined", "speaker.id", string(id), "speakers", len(r.speakers))
	if !r.started {
		r.started = true
		return true
	}
	return false
}

func (r *Router) startLocked(id SpeakerID) *RecognitionSession {
	if r.cfg.Recognizer == nil {
		return nil
	}
	opts := r.cfg.Recognition
	onDrop := opts.OnDrop
	opts.OnDrop = func() {
		r.cfg.Metrics.AudioDropped()
		if r.dropLog.Allow() {
			logging.Warnw("router: recognition queue full, dropping audio", "speaker.id", string(id))
		}
		if onDrop != nil {
			onDrop()
		}
	}
	onErr := opts.OnError
	opts.OnError = func(err error) {
		r.cfg.Metrics.RecognitionFailed()
		if onErr != nil {
			onErr(err)
		}
	}
	return StartRecognition(r.ctx, r.cfg.Recognizer, id, r.cfg.Fragments, opts)
}

// retryLocked replaces a finished recognition session once RetryDelay has
// passed since it was started.
func (r *Router) retryLocked(st *speakerState) {
	if st.rec != nil && !st.rec.Finished() {
		return
	}
	if st.rec != nil && time.Since(st.rec.StartedAt()) < r.cfg.RetryDelay {
		return
	}
	logging.Debugw("router: reopening recognition", "speaker.id", string(st.id))
	st.rec = r.startLocked(st.id)
}

// OnAudioTick routes one tick of decoded audio. Speakers with frames are
// marked speaking and their PCM is forwarded; speakers listed in silent are
// marked not speaking. Unknown speakers in frames are registered first.
func (r *Router) OnAudioTick(frames map[SpeakerID][]int16, silent []SpeakerID) {
	var first bool
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	for id, pcm := range frames {
		if id == "" {
			continue
		}
		if _, ok := r.speakers[id]; !ok {
			if r.presenceLocked(id) {
				first = true
			}
		}
		st := r.speakers[id]
		r.cfg.Tracker.Set(id, true)
		r.retryLocked(st)
		if st.rec != nil && len(pcm) > 0 {
			st.rec.Send(PCMBytes(pcm))
		}
	}
	for _, id := range silent {
		if _, ok := r.speakers[id]; ok {
			r.cfg.Tracker.Set(id, false)
		}
	}
	r.mu.Unlock()
	if first && r.cfg.OnFirstSpeaker != nil {
		r.cfg.OnFirstSpeaker()
	}
}

// OnSpeakerDeparture stops tracking id. When it was the last speaker the
// session is told to end.
func (r *Router) OnSpeakerDeparture(id SpeakerID) {
	r.mu.Lock()
	st, ok := r.speakers[id]
	if !ok || r.closing {
		r.mu.Unlock()
		return
	}
	delete(r.speakers, id)
	r.cfg.Buffer.Remove(id)
	empty := len(r.speakers) == 0
	if st.rec != nil {
		rec := st.rec
		r.pending.Add(1)
		go func() {
			defer r.pending.Done()
			rec.Close()
		}()
	}
	r.mu.Unlock()

	r.cfg.Tracker.Remove(id)
	r.cfg.Metrics.SpeakerLeft()
	logging.Infow("router: speaker left", "speaker.id", string(id), "empty", empty)
	if empty && r.cfg.OnEmpty != nil {
		r.cfg.OnEmpty()
	}
}

// Has reports whether id is an active participant.
func (r *Router) Has(id SpeakerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.speakers[id]
	return ok
}

// Admit runs fn only if id is an active participant, holding the speaker
// set so that a concurrent departure cannot interleave with fn.
func (r *Router) Admit(id SpeakerID, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.speakers[id]; !ok {
		return false
	}
	fn()
	return true
}

// Speakers lists the active participants in ascending ID order.
func (r *Router) Speakers() []SpeakerID {
	r.mu.Lock()
	ids := make([]SpeakerID, 0, len(r.speakers))
	for id := range r.speakers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sortSpeakers(ids)
	return ids
}

// Recognition returns the current recognition session for id, if any.
func (r *Router) Recognition(id SpeakerID) *RecognitionSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.speakers[id]; ok {
		return st.rec
	}
	return nil
}

// Shutdown closes every recognition session and waits for in-flight
// departures. The router ignores all events afterwards.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.pending.Wait()
		return
	}
	r.closing = true
	all := r.speakers
	r.speakers = make(map[SpeakerID]*speakerState)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range all {
		r.cfg.Metrics.SpeakerLeft()
		if st.rec == nil {
			continue
		}
		wg.Add(1)
		go func(rec *RecognitionSession) {
			defer wg.Done()
			rec.Close()
		}(st.rec)
	}
	wg.Wait()
	r.pending.Wait()
}

// PCMBytes encodes samples as little-endian 16-bit PCM.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
