package discord

import "errors"

const (
	sampleRate = 48000
	channels   = 2
	// frameSize is 20 ms per channel at 48 kHz.
	frameSize    = 960
	maxOpusBytes = 4000
)

// ErrNoOpus is returned by the codec factories in builds without libopus.
var ErrNoOpus = errors.New("discord: built without opus support (use -tags opus)")

// Decoder turns one opus packet into interleaved PCM.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// Encoder turns one PCM frame into an opus packet.
type Encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

type DecoderFactory func() (Decoder, error)

type EncoderFactory func() (Encoder, error)
