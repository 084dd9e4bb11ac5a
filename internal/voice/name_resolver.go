package voice

// NameResolver provides display names for Discord IDs when available.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// NoopResolver returns empty names; used in tests and when lookups are off.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) GuildName(string) string   { return "" }
func (NoopResolver) ChannelName(string) string { return "" }

// StaticResolver answers from a fixed map of user names.
type StaticResolver map[string]string

func (r StaticResolver) UserName(id string) string { return r[id] }
func (StaticResolver) GuildName(string) string     { return "" }
func (StaticResolver) ChannelName(string) string   { return "" }
