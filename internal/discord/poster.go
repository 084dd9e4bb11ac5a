package discord

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// maxMessageRunes is Discord's message length limit.
const maxMessageRunes = 2000

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Poster writes messages to the auxiliary text channel.
type Poster struct {
	s         messageSender
	channelID string
}

func NewPoster(s *discordgo.Session, channelID string) *Poster {
	return &Poster{s: s, channelID: channelID}
}

// PostMessage sends text, split into chunks Discord accepts.
func (p *Poster) PostMessage(ctx context.Context, text string) error {
	if p == nil || p.channelID == "" {
		return errors.New("poster: no auxiliary channel configured")
	}
	for _, chunk := range splitMessage(text, maxMessageRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.s.ChannelMessageSend(p.channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var out []string
	for utf8.RuneCountInString(text) > limit {
		cut, n := 0, 0
		for i := range text {
			if n == limit {
				cut = i
				break
			}
			n++
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return append(out, text)
}
