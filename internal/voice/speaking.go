package voice

import (
	"sync"
	"time"
)

// SpeakingTracker keeps a debounced speaking flag per speaker. Each tracked
// speaker owns a goroutine holding a silence timer; a flag that is not
// refreshed within the timeout falls back to false.
type SpeakingTracker struct {
	timeout time.Duration

	mu      sync.Mutex
	entries map[SpeakerID]*speakingEntry
	closed  bool
}

type speakingEntry struct {
	mu       sync.Mutex
	speaking bool
	gen      uint64

	reset chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

func NewSpeakingTracker(timeout time.Duration) *SpeakingTracker {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &SpeakingTracker{timeout: timeout, entries: make(map[SpeakerID]*speakingEntry)}
}

// Add registers id with speaking=false. It is a no-op for known speakers.
func (t *SpeakingTracker) Add(id SpeakerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(id)
}

func (t *SpeakingTracker) addLocked(id SpeakerID) *speakingEntry {
	if e, ok := t.entries[id]; ok {
		return e
	}
	if t.closed {
		return nil
	}
	e := &speakingEntry{
		reset: make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.entries[id] = e
	go t.watch(e)
	return e
}

// Set updates the flag for id and restarts its silence timer. Unknown
// speakers are registered first.
func (t *SpeakingTracker) Set(id SpeakerID, speaking bool) {
	t.mu.Lock()
	e := t.addLocked(id)
	t.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.speaking = speaking
	e.gen++
	e.mu.Unlock()
	select {
	case e.reset <- struct{}{}:
	default:
	}
}

// Get reports the current flag; unknown speakers are not speaking.
func (t *SpeakingTracker) Get(id SpeakerID) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// Remove stops the timer goroutine for id and waits for it to exit.
func (t *SpeakingTracker) Remove(id SpeakerID) {
	t.mu.Lock()
	e, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	close(e.stop)
	<-e.done
}

// Close removes every speaker and rejects new ones.
func (t *SpeakingTracker) Close() {
	t.mu.Lock()
	t.closed = true
	entries := t.entries
	t.entries = make(map[SpeakerID]*speakingEntry)
	t.mu.Unlock()
	for _, e := range entries {
		close(e.stop)
	}
	for _, e := range entries {
		<-e.done
	}
}

// Len returns the number of tracked speakers.
func (t *SpeakingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *SpeakingTracker) watch(e *speakingEntry) {
	defer close(e.done)
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	var armedGen uint64
	for {
		select {
		case <-e.stop:
			return
		case <-e.reset:
			e.mu.Lock()
			armedGen = e.gen
			e.mu.Unlock()
			timer.Reset(t.timeout)
		case <-timer.C:
			// A newer Set has a reset pending; it will re-arm the timer.
			e.mu.Lock()
			if e.gen == armedGen {
				e.speaking = false
			}
			e.mu.Unlock()
		}
	}
}
