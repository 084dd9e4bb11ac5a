package profile

import (
	"context"
	"sync"
	"time"

	"github.com/slofp/estella/internal/voice"
)

// MemoryStore keeps everything in process. Data is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[voice.SpeakerID]voice.Profile
	history  []voice.TalkRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[voice.SpeakerID]voice.Profile)}
}

// Put stores p, replacing any existing profile with the same ID.
func (m *MemoryStore) Put(p voice.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *MemoryStore) GetSpeakerProfile(_ context.Context, id voice.SpeakerID) (voice.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return voice.Profile{}, voice.ErrProfileNotFound
	}
	return p, nil
}

// IncrementEngagementCounter creates a bare profile on first contact.
func (m *MemoryStore) IncrementEngagementCounter(_ context.Context, id voice.SpeakerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		p = voice.Profile{ID: id}
	}
	p.EngagementCounter++
	m.profiles[id] = p
	return nil
}

func (m *MemoryStore) SaveTalk(_ context.Context, rec voice.TalkRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	return nil
}

// History returns the exchanges recorded for id, oldest first.
func (m *MemoryStore) History(id voice.SpeakerID) []voice.TalkRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []voice.TalkRecord
	for _, r := range m.history {
		if r.Speaker == id {
			out = append(out, r)
		}
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }
