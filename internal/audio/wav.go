// Package audio holds the PCM and WAV helpers shared by synthesis, playback
// and the audio archive.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Discord voice carries 48 kHz stereo.
var Discord = Format{SampleRate: 48000, Channels: 2}

var ErrNotWAV = errors.New("audio: not a PCM16 WAV stream")

// BuildWAV wraps little-endian PCM16 bytes in a canonical 44-byte header.
func BuildWAV(pcm []byte, f Format) []byte {
	const bitsPerSample = 16
	byteRate := uint32(f.SampleRate * f.Channels * bitsPerSample / 8)
	blockAlign := uint16(f.Channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(f.Channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(f.SampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAV returns the format and the PCM payload of a RIFF/WAVE stream.
// Unknown chunks such as LIST are skipped.
func ParseWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}
	var (
		f      Format
		haveFm bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Streams written before their length is known carry a bogus
			// data size; take what is there.
			if id == "data" && haveFm {
				return f, data[body:], nil
			}
			return Format{}, nil, fmt.Errorf("%w: chunk %q overruns stream", ErrNotWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if audioFormat != 1 || bits != 16 {
				return Format{}, nil, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, audioFormat, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			haveFm = true
		case "data":
			if !haveFm {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return f, data[body : body+size], nil
		}
		off = body + size + size%2
	}
	return Format{}, nil, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}

// Samples decodes little-endian PCM16 bytes. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes samples as little-endian PCM16.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Convert changes channel count and sample rate of interleaved samples.
// Rate conversion is linear interpolation, which is enough for speech.
func Convert(samples []int16, from, to Format) []int16 {
	if from == to || len(samples) == 0 || from.Channels <= 0 || to.Channels <= 0 {
		return samples
	}
	frames := len(samples) / from.Channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < from.Channels; c++ {
			sum += int(samples[i*from.Channels+c])
		}
		mono[i] = float64(sum) / float64(from.Channels)
	}
	if from.SampleRate != to.SampleRate && from.SampleRate > 0 && to.SampleRate > 0 {
		outFrames := int(int64(frames) * int64(to.SampleRate) / int64(from.SampleRate))
		res := make([]float64, outFrames)
		step := float64(from.SampleRate) / float64(to.SampleRate)
		for i := range res {
			pos := float64(i) * step
			j := int(pos)
			frac := pos - float64(j)
			a := mono[min(j, frames-1)]
			b := mono[min(j+1, frames-1)]
			res[i] = a + (b-a)*frac
		}
		mono = res
	}
	out := make([]int16, len(mono)*to.Channels)
	for i, v := range mono {
		s := int16(max(-32768, min(32767, v)))
		for c := 0; c < to.Channels; c++ {
			out[i*to.Channels+c] = s
		}
	}
	return out
}

// Frames splits interleaved samples into frames of frameSize samples per
// channel, zero-padding the last one.
func Frames(samples []int16, frameSize, channels int) [][]int16 {
	n := frameSize * channels
	if n <= 0 {
		return nil
	}
	var out [][]int16
	for off := 0; off < len(samples); off += n {
		frame := make([]int16, n)
		copy(frame, samples[off:])
		out = append(out, frame)
	}
	return out
}

// Duration of the interleaved samples in milliseconds.
func DurationMs(samples int, f Format) int64 {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return int64(samples) * 1000 / int64(f.SampleRate*f.Channels)
}
