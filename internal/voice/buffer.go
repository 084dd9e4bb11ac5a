package voice

import "sync"

// TranscriptBuffer accumulates not-yet-decided transcript text per speaker.
type TranscriptBuffer struct {
	mu      sync.Mutex
	entries map[SpeakerID]string
}

func NewTranscriptBuffer() *TranscriptBuffer {
	return &TranscriptBuffer{entries: make(map[SpeakerID]string)}
}

// Append concatenates text onto the speaker's pending entry.
func (b *TranscriptBuffer) Append(id SpeakerID, text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	b.entries[id] += text
	b.mu.Unlock()
}

// Drain atomically takes every entry and leaves the buffer empty.
func (b *TranscriptBuffer) Drain() map[SpeakerID]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = make(map[SpeakerID]string, len(out))
	return out
}

// Requeue puts text back in front of anything appended since the drain.
func (b *TranscriptBuffer) Requeue(id SpeakerID, text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	b.entries[id] = text + b.entries[id]
	b.mu.Unlock()
}

// Remove drops the speaker's pending text.
func (b *TranscriptBuffer) Remove(id SpeakerID) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

// Peek returns the pending text for id without draining it.
func (b *TranscriptBuffer) Peek(id SpeakerID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[id]
}

func (b *TranscriptBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
