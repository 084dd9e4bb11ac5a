package voice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Manager keeps at most one Session per guild.
type Manager struct {
	ctx  context.Context
	deps Deps
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	// OnSessionEnd runs after a session has been torn down, for example
	// to disconnect from the voice channel.
	OnSessionEnd func(guildID string)
}

func NewManager(ctx context.Context, deps Deps, opts Options) *Manager {
	return &Manager{ctx: ctx, deps: deps, opts: opts, sessions: make(map[string]*Session)}
}

// Join returns the live session for guildID or creates one that plays
// through player.
func (m *Manager) Join(guildID string, player Player) (*Session, error) {
	if guildID == "" {
		return nil, errors.New("join: empty guild id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := m.sessions[guildID]; ok {
		return s, nil
	}
	deps := m.deps
	if player != nil {
		deps.Player = player
	}
	if deps.Player == nil {
		return nil, fmt.Errorf("join %s: no player", guildID)
	}
	s := NewSession(m.ctx, guildID, deps, m.opts, func(s *Session) { m.end(s) })
	m.sessions[guildID] = s
	return s, nil
}

// Get returns the live session for guildID.
func (m *Manager) Get(guildID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return s, ok
}

// List returns a snapshot of all live sessions ordered by guild.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

// Leave tears down the session for guildID. It reports whether one existed.
func (m *Manager) Leave(guildID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.end(s)
	return true
}

func (m *Manager) end(s *Session) {
	m.mu.Lock()
	cur, owned := m.sessions[s.GuildID]
	owned = owned && cur == s
	if owned {
		delete(m.sessions, s.GuildID)
	}
	m.mu.Unlock()
	_ = s.Close()
	if owned && m.OnSessionEnd != nil {
		m.OnSessionEnd(s.GuildID)
	}
}

// Close ends every session and refuses new joins.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.end(s)
		}(s)
	}
	wg.Wait()
}
