//go:build !opus

package discord

// Builds without libopus can still run the admin surface and tests; voice
// connections fail at join time.

func NewOpusDecoder() (Decoder, error) { return nil, ErrNoOpus }

func NewOpusEncoder() (Encoder, error) { return nil, ErrNoOpus }
