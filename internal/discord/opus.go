//go:build opus

package discord

import "github.com/hraban/opus"

// NewOpusDecoder returns a 48 kHz stereo libopus decoder.
func NewOpusDecoder() (Decoder, error) {
	return opus.NewDecoder(sampleRate, channels)
}

// NewOpusEncoder returns a libopus encoder tuned for speech.
func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(64000); err != nil {
		return nil, err
	}
	return enc, nil
}
