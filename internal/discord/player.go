package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/slofp/estella/internal/audio"
	"github.com/slofp/estella/internal/logging"
)

// Player streams WAV replies into a voice connection. One playback runs
// at a time; a second Play waits for the first to finish.
type Player struct {
	speaking   func(bool) error
	out        chan<- []byte
	newEncoder EncoderFactory
	// SendTimeout bounds how long a single frame may wait for the
	// connection's sender.
	SendTimeout time.Duration

	mu sync.Mutex
}

var ErrSendStalled = errors.New("discord: voice sender stalled")

// NewPlayer plays through vc. The connection paces OpusSend itself.
func NewPlayer(vc *discordgo.VoiceConnection, enc EncoderFactory) *Player {
	return newPlayer(vc.Speaking, vc.OpusSend, enc)
}

func newPlayer(speaking func(bool) error, out chan<- []byte, enc EncoderFactory) *Player {
	if enc == nil {
		enc = NewOpusEncoder
	}
	return &Player{speaking: speaking, out: out, newEncoder: enc, SendTimeout: 2 * time.Second}
}

// Play decodes wav and starts streaming it. The returned channel yields
// the playback result once the last frame was handed to the connection.
func (p *Player) Play(ctx context.Context, wav []byte) (<-chan error, error) {
	f, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	samples := audio.Convert(audio.Samples(pcm), f, audio.Discord)
	frames := audio.Frames(samples, frameSize, channels)
	enc, err := p.newEncoder()
	if err != nil {
		return nil, fmt.Errorf("play: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		done <- p.stream(ctx, enc, frames)
	}()
	return done, nil
}

func (p *Player) stream(ctx context.Context, enc Encoder, frames [][]int16) error {
	if err := p.speaking(true); err != nil {
		return fmt.Errorf("play: speaking on: %w", err)
	}
	defer func() {
		if err := p.speaking(false); err != nil {
			logging.Debugw("player: speaking off failed", "err", err)
		}
	}()
	start := time.Now()
	buf := make([]byte, maxOpusBytes)
	for i, frame := range frames {
		n, err := enc.Encode(frame, buf)
		if err != nil {
			return fmt.Errorf("play: encode frame %d: %w", i, err)
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		timer := time.NewTimer(p.SendTimeout)
		select {
		case p.out <- packet:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			return ErrSendStalled
		}
	}
	logging.Debugw("player: playback queued", "frames", len(frames), "took_ms", time.Since(start).Milliseconds())
	return nil
}
