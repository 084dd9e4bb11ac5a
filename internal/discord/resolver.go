package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Resolver looks up display names through the session with a TTL cache.
// It implements voice.NameResolver.
type Resolver struct {
	user    func(id string) (string, error)
	guild   func(id string) (string, error)
	channel func(id string) (string, error)
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	val    string
	expiry time.Time
}

// NewResolver prefers the state cache and falls back to REST lookups.
func NewResolver(s *discordgo.Session) *Resolver {
	r := newResolver(5 * time.Minute)
	r.user = func(id string) (string, error) {
		u, err := s.User(id)
		if err != nil {
			return "", err
		}
		if u.GlobalName != "" {
			return u.GlobalName, nil
		}
		return u.Username, nil
	}
	r.guild = func(id string) (string, error) {
		if s.State != nil {
			if g, err := s.State.Guild(id); err == nil {
				return g.Name, nil
			}
		}
		g, err := s.Guild(id)
		if err != nil {
			return "", err
		}
		return g.Name, nil
	}
	r.channel = func(id string) (string, error) {
		if s.State != nil {
			if c, err := s.State.Channel(id); err == nil {
				return c.Name, nil
			}
		}
		c, err := s.Channel(id)
		if err != nil {
			return "", err
		}
		return c.Name, nil
	}
	return r
}

func newResolver(ttl time.Duration) *Resolver {
	return &Resolver{ttl: ttl, now: time.Now, cache: make(map[string]cacheEntry)}
}

func (r *Resolver) UserName(userID string) string { return r.lookup("u:", userID, r.user) }

func (r *Resolver) GuildName(guildID string) string { return r.lookup("g:", guildID, r.guild) }

func (r *Resolver) ChannelName(channelID string) string {
	return r.lookup("c:", channelID, r.channel)
}

func (r *Resolver) lookup(kind, id string, fetch func(string) (string, error)) string {
	if r == nil || id == "" || fetch == nil {
		return ""
	}
	key := kind + id
	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		if r.now().Before(e.expiry) {
			r.mu.Unlock()
			return e.val
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	name, err := fetch(id)
	if err != nil || name == "" {
		return ""
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{val: name, expiry: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return name
}
