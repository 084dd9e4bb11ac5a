package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slofp/estella/internal/logging"
)

const (
	defaultRecognitionQueue = 64
	defaultFlushTimeout     = 3 * time.Second
)

var errStreamEnded = errors.New("recognition stream ended by provider")

// RecognitionOptions tunes a RecognitionSession.
type RecognitionOptions struct {
	// QueueSize bounds the outgoing audio queue; the oldest chunk is
	// dropped when it is full.
	QueueSize int
	// FlushTimeout bounds how long Close waits for the provider to deliver
	// the final results after the input has been closed.
	FlushTimeout time.Duration
	// OnDrop is called for every dropped audio chunk.
	OnDrop func()
	// OnError is called when the stream could not be opened or failed.
	OnError func(error)
	// Profiles, when set, fills in the speaker profile passed to Open.
	Profiles ProfileStore
	// LookupTimeout bounds the profile lookup; 2s by default.
	LookupTimeout time.Duration
}

// RecognitionSession streams one speaker's audio to a Recognizer and
// forwards transcript fragments to a shared sink. The stream is opened in
// the background so that Send never waits on the network.
type RecognitionSession struct {
	speaker SpeakerID
	rec     Recognizer
	sink    chan<- Fragment
	opts    RecognitionOptions

	in        chan []byte
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	alive     atomic.Bool
	failed    atomic.Bool
	startedAt time.Time
}

// StartRecognition begins a session for speaker. It never blocks on the
// provider; failures surface through Alive and Finished.
func StartRecognition(ctx context.Context, rec Recognizer, speaker SpeakerID, sink chan<- Fragment, opts RecognitionOptions) *RecognitionSession {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRecognitionQueue
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &RecognitionSession{
		speaker:   speaker,
		rec:       rec,
		sink:      sink,
		opts:      opts,
		in:        make(chan []byte, opts.QueueSize),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    cancel,
		startedAt: time.Now(),
	}
	go s.run(ctx)
	return s
}

func (s *RecognitionSession) Speaker() SpeakerID { return s.speaker }

// Alive reports whether the provider stream is open and healthy.
func (s *RecognitionSession) Alive() bool { return s.alive.Load() }

// Failed reports whether the stream could not be opened or broke.
func (s *RecognitionSession) Failed() bool { return s.failed.Load() }

// Finished reports whether the session has fully shut down.
func (s *RecognitionSession) Finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *RecognitionSession) StartedAt() time.Time { return s.startedAt }

// Send queues pcm for the provider without blocking. When the queue is full
// the oldest chunk is discarded. It returns false when a chunk was dropped
// or the session no longer accepts audio.
func (s *RecognitionSession) Send(pcm []byte) bool {
	select {
	case <-s.closed:
		logging.Debugw("recognition: audio after close ignored", "speaker.id", string(s.speaker))
		return false
	case <-s.done:
		return false
	default:
	}
	select {
	case s.in <- pcm:
		return true
	default:
	}
	// full: evict the oldest chunk and retry once
	select {
	case <-s.in:
	default:
	}
	s.dropped()
	select {
	case s.in <- pcm:
	default:
		s.dropped()
	}
	return false
}

func (s *RecognitionSession) dropped() {
	if s.opts.OnDrop != nil {
		s.opts.OnDrop()
	}
}

// Close stops accepting audio, lets the provider flush outstanding results
// and waits for shutdown. It is idempotent.
func (s *RecognitionSession) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	select {
	case <-s.done:
		return
	case <-time.After(s.opts.FlushTimeout + time.Second):
		logging.Warnw("recognition: forced shutdown", "speaker.id", string(s.speaker))
		s.cancel()
	}
	<-s.done
}

func (s *RecognitionSession) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	stream, err := s.rec.Open(ctx, s.profile(ctx))
	if err != nil {
		s.failed.Store(true)
		logging.Warnw("recognition: open failed", "speaker.id", string(s.speaker), "err", err)
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
		return
	}
	s.alive.Store(true)
	defer s.alive.Store(false)
	logging.Debugw("recognition: stream open", "speaker.id", string(s.speaker))

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readResults(ctx, stream)
	}()

	if err := s.writeLoop(ctx, stream, readerDone); err != nil {
		if ctx.Err() == nil {
			s.failed.Store(true)
			logging.Warnw("recognition: stream failed", "speaker.id", string(s.speaker), "err", err)
			if s.opts.OnError != nil {
				s.opts.OnError(err)
			}
		}
	} else if err := stream.CloseSend(); err != nil {
		logging.Debugw("recognition: close send failed", "speaker.id", string(s.speaker), "err", err)
	}

	select {
	case <-readerDone:
	case <-time.After(s.opts.FlushTimeout):
		logging.Debugw("recognition: flush timed out", "speaker.id", string(s.speaker))
	case <-ctx.Done():
	}
	if err := stream.Close(); err != nil {
		logging.Debugw("recognition: close failed", "speaker.id", string(s.speaker), "err", err)
	}
	<-readerDone
}

// profile looks the speaker up in the store. A missing or failing store
// yields a profile carrying only the ID.
func (s *RecognitionSession) profile(ctx context.Context) Profile {
	if s.opts.Profiles == nil {
		return Profile{ID: s.speaker}
	}
	lctx, cancel := context.WithTimeout(ctx, s.opts.LookupTimeout)
	defer cancel()
	p, err := s.opts.Profiles.GetSpeakerProfile(lctx, s.speaker)
	if err != nil {
		if !errors.Is(err, ErrProfileNotFound) {
			logging.Debugw("recognition: profile lookup failed", "speaker.id", string(s.speaker), "err", err)
		}
		return Profile{ID: s.speaker}
	}
	p.ID = s.speaker
	return p
}

func (s *RecognitionSession) writeLoop(ctx context.Context, stream Stream, readerDone <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readerDone:
			return errStreamEnded
		case <-s.closed:
			for {
				select {
				case pcm := <-s.in:
					if err := stream.Send(ctx, pcm); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case pcm := <-s.in:
			if err := stream.Send(ctx, pcm); err != nil {
				return err
			}
		}
	}
}

func (s *RecognitionSession) readResults(ctx context.Context, stream Stream) {
	for text := range stream.Results() {
		if strings.TrimSpace(text) == "" {
			continue
		}
		select {
		case s.sink <- Fragment{Speaker: s.speaker, Text: text}:
		case <-ctx.Done():
			return
		}
	}
}
