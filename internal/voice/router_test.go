package voice

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routerHarness struct {
	rec       *fakeRecognizer
	tracker   *SpeakingTracker
	buffer    *TranscriptBuffer
	fragments chan Fragment
	router    *Router
	firsts    atomic.Int32
	empties   atomic.Int32
}

func newRouterHarness(t *testing.T, retry time.Duration) *routerHarness {
	t.Helper()
	h := &routerHarness{
		rec:       newFakeRecognizer(),
		tracker:   NewSpeakingTracker(time.Second),
		buffer:    NewTranscriptBuffer(),
		fragments: make(chan Fragment, 64),
	}
	h.rec.newFn = func(SpeakerID) *fakeStream {
		s := newFakeStream()
		s.echo = echoText
		return s
	}
	h.router = NewRouter(context.Background(), RouterConfig{
		Recognizer:     h.rec,
		Tracker:        h.tracker,
		Buffer:         h.buffer,
		Fragments:      h.fragments,
		RetryDelay:     retry,
		OnFirstSpeaker: func() { h.firsts.Add(1) },
		OnEmpty:        func() { h.empties.Add(1) },
	})
	t.Cleanup(func() {
		h.router.Shutdown()
		h.tracker.Close()
	})
	return h
}

func TestRouterPresenceAndDeparture(t *testing.T) {
	h := newRouterHarness(t, time.Hour)

	h.router.OnSpeakerPresence("2")
	h.router.OnSpeakerPresence("10")
	h.router.OnSpeakerPresence("2")
	h.router.OnSpeakerPresence("")

	assert.Equal(t, []SpeakerID{"2", "10"}, h.router.Speakers())
	assert.EqualValues(t, 1, h.firsts.Load())
	assert.Equal(t, 2, h.tracker.Len())
	require.True(t, waitFor(time.Second, func() bool { return h.rec.openCount() == 2 }))

	h.buffer.Append("2", "leftover")
	h.router.OnSpeakerDeparture("2")
	assert.False(t, h.router.Has("2"))
	assert.Empty(t, h.buffer.Peek("2"))
	assert.EqualValues(t, 0, h.empties.Load())

	h.router.OnSpeakerDeparture("2")
	h.router.OnSpeakerDeparture("10")
	assert.EqualValues(t, 1, h.empties.Load())
	assert.Empty(t, h.router.Speakers())
}

func TestRouterTickRoutesAudio(t *testing.T) {
	h := newRouterHarness(t, time.Hour)
	h.router.OnSpeakerPresence("a")
	require.True(t, waitFor(time.Second, func() bool {
		rs := h.router.Recognition("a")
		return rs != nil && rs.Alive()
	}))

	h.router.OnAudioTick(map[SpeakerID][]int16{"a": {2, 0, 0}}, nil)
	assert.True(t, h.tracker.Get("a"))

	select {
	case f := <-h.fragments:
		assert.Equal(t, Fragment{Speaker: "a", Text: "aaa"}, f)
	case <-time.After(time.Second):
		t.Fatalf("no fragment routed")
	}

	h.router.OnAudioTick(nil, []SpeakerID{"a", "unknown"})
	assert.False(t, h.tracker.Get("a"))
	assert.False(t, h.router.Has("unknown"))
}

func TestRouterTickRegistersUnknownSpeaker(t *testing.T) {
	h := newRouterHarness(t, time.Hour)
	h.router.OnAudioTick(map[SpeakerID][]int16{"new": {1}}, nil)
	assert.True(t, h.router.Has("new"))
	assert.True(t, h.tracker.Get("new"))
	assert.EqualValues(t, 1, h.firsts.Load())
}

func TestRouterRetriesFailedRecognition(t *testing.T) {
	h := newRouterHarness(t, 200*time.Millisecond)
	h.rec.failN = 1

	h.router.OnSpeakerPresence("a")
	require.True(t, waitFor(time.Second, func() bool { return h.router.Recognition("a").Finished() }))
	assert.True(t, h.router.Recognition("a").Failed())

	// Not before the retry delay has passed.
	h.router.OnSpeakerPresence("a")
	assert.Equal(t, 1, h.rec.openCount())

	time.Sleep(250 * time.Millisecond)
	h.router.OnAudioTick(map[SpeakerID][]int16{"a": {1}}, nil)
	require.True(t, waitFor(time.Second, func() bool { return h.router.Recognition("a").Alive() }))
	assert.Equal(t, 2, h.rec.openCount())
}

func TestRouterShutdownIgnoresLaterEvents(t *testing.T) {
	h := newRouterHarness(t, time.Hour)
	h.router.OnSpeakerPresence("a")
	rs := h.router.Recognition("a")

	h.router.Shutdown()
	assert.True(t, rs.Finished())

	h.router.OnSpeakerPresence("b")
	h.router.OnAudioTick(map[SpeakerID][]int16{"c": {1}}, nil)
	assert.Empty(t, h.router.Speakers())
	h.router.Shutdown()
}

func TestDepartureLeavesNoLateText(t *testing.T) {
	h := newRouterHarness(t, time.Hour)
	h.router.OnSpeakerPresence("a")

	var wg sync.WaitGroup
	started := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h.router.Admit("a", func() { h.buffer.Append("a", "x") }) {
				select {
				case started <- struct{}{}:
				default:
				}
			}
		}()
	}
	<-started
	h.router.OnSpeakerDeparture("a")
	wg.Wait()

	assert.Empty(t, h.buffer.Peek("a"))
	assert.False(t, h.router.Admit("a", func() { t.Fatal("admitted a departed speaker") }))
}

func TestPCMBytes(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x80}, PCMBytes([]int16{1, -1, -32768}))
}
