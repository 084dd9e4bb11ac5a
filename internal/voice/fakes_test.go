package voice

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type fakeParticipants struct {
	mu  sync.Mutex
	ids map[SpeakerID]bool
}

func newParticipants(ids ...SpeakerID) *fakeParticipants {
	p := &fakeParticipants{ids: make(map[SpeakerID]bool)}
	for _, id := range ids {
		p.ids[id] = true
	}
	return p
}

func (p *fakeParticipants) Speakers() []SpeakerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SpeakerID, 0, len(p.ids))
	for id := range p.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *fakeParticipants) Has(id SpeakerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ids[id]
}

func (p *fakeParticipants) Admit(id SpeakerID, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ids[id] {
		return false
	}
	fn()
	return true
}

func (p *fakeParticipants) add(id SpeakerID) {
	p.mu.Lock()
	p.ids[id] = true
	p.mu.Unlock()
}

func (p *fakeParticipants) remove(id SpeakerID) {
	p.mu.Lock()
	delete(p.ids, id)
	p.mu.Unlock()
}

type fakeSpeaking struct {
	mu sync.Mutex
	m  map[SpeakerID]bool
}

func newSpeaking() *fakeSpeaking { return &fakeSpeaking{m: make(map[SpeakerID]bool)} }

func (f *fakeSpeaking) Get(id SpeakerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[id]
}

func (f *fakeSpeaking) set(id SpeakerID, v bool) {
	f.mu.Lock()
	f.m[id] = v
	f.mu.Unlock()
}

// fakeChat answers with reply(req); requests are recorded.
type fakeChat struct {
	mu       sync.Mutex
	requests []ChatRequest
	reply    func(req ChatRequest, n int) (ChatReply, error)
	inFlight int
	overlap  bool
}

func (c *fakeChat) Respond(ctx context.Context, req ChatRequest) (ChatReply, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	c.inFlight++
	if c.inFlight > 1 {
		c.overlap = true
	}
	reply := c.reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()
	if reply == nil {
		return ChatReply{Text: "reply", Token: "tok"}, nil
	}
	return reply(req, n)
}

func (c *fakeChat) calls() []ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatRequest(nil), c.requests...)
}

type fakeSynth struct {
	mu     sync.Mutex
	texts  []string
	voices []VoiceProfile
	err    error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string, v VoiceProfile) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	s.voices = append(s.voices, v)
	if s.err != nil {
		return nil, s.err
	}
	return []byte("wav:" + text), nil
}

func (s *fakeSynth) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// fakePlayer completes playback after delay. While a playback is running
// further Play calls are flagged as overlapping.
type fakePlayer struct {
	mu      sync.Mutex
	played  [][]byte
	delay   time.Duration
	err     error
	playing bool
	overlap bool
}

func (p *fakePlayer) Play(ctx context.Context, audio []byte) (<-chan error, error) {
	p.mu.Lock()
	p.played = append(p.played, audio)
	if p.playing {
		p.overlap = true
	}
	p.playing = true
	delay, perr := p.delay, p.err
	p.mu.Unlock()
	done := make(chan error, 1)
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		done <- perr
	}()
	return done, nil
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[SpeakerID]Profile
	incs     map[SpeakerID]int
	err      error
}

func newProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[SpeakerID]Profile), incs: make(map[SpeakerID]int)}
}

func (f *fakeProfiles) GetSpeakerProfile(ctx context.Context, id SpeakerID) (Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Profile{}, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return p, nil
}

func (f *fakeProfiles) IncrementEngagementCounter(ctx context.Context, id SpeakerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incs[id]++
	return nil
}

func (f *fakeProfiles) increments(id SpeakerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incs[id]
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []TalkRecord
}

func (h *fakeHistory) SaveTalk(ctx context.Context, rec TalkRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs = append(h.recs, rec)
	return nil
}

type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (p *fakePoster) PostMessage(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, text)
	return nil
}

type fakeTools struct {
	mu    sync.Mutex
	names []string
}

func (t *fakeTools) Dispatch(ctx context.Context, name string, params map[string]any) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = append(t.names, name)
	return "ok", nil
}

// fakeStream echoes every sent chunk as a result when echo is set and
// emits final on CloseSend.
type fakeStream struct {
	mu        sync.Mutex
	sent      [][]byte
	results   chan string
	closeOnce sync.Once
	echo      func(pcm []byte) string
	final     string
	sendErr   error
	closed    bool
}

func newFakeStream() *fakeStream { return &fakeStream{results: make(chan string, 64)} }

func (s *fakeStream) Send(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("send on closed stream")
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, pcm)
	if s.echo != nil {
		if text := s.echo(pcm); text != "" {
			s.results <- text
		}
	}
	return nil
}

func (s *fakeStream) Results() <-chan string { return s.results }

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	final, closed := s.final, s.closed
	s.mu.Unlock()
	if final != "" && !closed {
		s.results <- final
	}
	s.finish()
	return nil
}

func (s *fakeStream) Close() error {
	s.finish()
	return nil
}

func (s *fakeStream) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.results)
	})
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams map[SpeakerID][]*fakeStream
	opens   int
	opened  []Profile
	failN   int
	newFn   func(id SpeakerID) *fakeStream
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{streams: make(map[SpeakerID][]*fakeStream)}
}

func (r *fakeRecognizer) Open(ctx context.Context, p Profile) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID
	r.opens++
	r.opened = append(r.opened, p)
	if r.failN > 0 {
		r.failN--
		return nil, errors.New("dial failed")
	}
	var s *fakeStream
	if r.newFn != nil {
		s = r.newFn(id)
	} else {
		s = newFakeStream()
	}
	r.streams[id] = append(r.streams[id], s)
	return s, nil
}

func (r *fakeRecognizer) stream(id SpeakerID) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	ss := r.streams[id]
	if len(ss) == 0 {
		return nil
	}
	return ss[len(ss)-1]
}

func (r *fakeRecognizer) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

// echoText turns the first sample of a chunk into a word so tests can
// drive transcripts through real audio ticks.
func echoText(pcm []byte) string {
	if len(pcm) < 2 {
		return ""
	}
	return strings.Repeat("a", int(pcm[0])%5+1)
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
