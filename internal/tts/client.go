// Package tts synthesizes replies with a VOICEVOX engine.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/slofp/estella/internal/audio"
	"github.com/slofp/estella/internal/config"
	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/voice"
)

// Tuning overrides audio_query parameters. Zero fields keep the engine's
// defaults.
type Tuning struct {
	SpeedScale      float64
	PitchScale      float64
	IntonationScale float64
	VolumeScale     float64
	// PauseScale stretches the pause mora between phrases.
	PauseScale float64
}

// Client implements voice.Synthesizer against the VOICEVOX HTTP API.
type Client struct {
	URL      string
	Speaker  int
	Timeout  time.Duration
	Attempts int
	Tuning   Tuning
	// Output is the format requested from the engine. Replies that come
	// back in another format are converted.
	Output  audio.Format
	HTTP    *http.Client
	Archive *Archive
}

var ErrEmptyText = errors.New("tts: empty text")

func New(cfg config.SynthesisConfig) *Client {
	c := &Client{
		URL:      strings.TrimRight(cfg.URL, "/"),
		Speaker:  cfg.Speaker,
		Timeout:  cfg.Timeout(),
		Attempts: 2,
		Tuning: Tuning{
			SpeedScale:      cfg.SpeedScale,
			PitchScale:      cfg.PitchScale,
			IntonationScale: cfg.IntonationScale,
			VolumeScale:     cfg.VolumeScale,
			PauseScale:      cfg.PauseScale,
		},
		Output: audio.Discord,
		HTTP:   &http.Client{},
	}
	if cfg.SaveEnabled {
		c.Archive = NewArchive(cfg.SaveDir, cfg.Retention(), 0)
	}
	return c
}

// Synthesize returns a WAV rendering of text in c.Output format. A
// non-zero v.Speaker overrides the configured VOICEVOX speaker.
func (c *Client) Synthesize(ctx context.Context, text string, v voice.VoiceProfile) ([]byte, error) {
	if c == nil || c.URL == "" {
		return nil, fmt.Errorf("tts client not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	speaker := c.Speaker
	if v.Speaker > 0 {
		speaker = v.Speaker
	}
	cid := uuid.NewString()
	if err := c.Archive.Begin(cid, text, speaker); err != nil {
		logging.Warnw("tts: failed to write sidecar", "err", err, "correlation_id", cid)
	}
	start := time.Now()
	wav, err := c.synthesize(ctx, text, speaker, cid)
	if err != nil {
		if c.Archive.Find(cid) != "" {
			_ = c.Archive.Fail(cid, err)
		}
		return nil, err
	}
	if c.Archive != nil {
		if path, err := c.Archive.Attach(cid, wav, time.Since(start)); err != nil {
			logging.Warnw("tts: failed to archive audio", "err", err, "correlation_id", cid)
		} else {
			logging.Debugw("tts: saved audio to disk", "path", path, "correlation_id", cid)
		}
	}
	return wav, nil
}

func (c *Client) synthesize(ctx context.Context, text string, speakerID int, cid string) ([]byte, error) {
	speaker := strconv.Itoa(speakerID)
	q := url.Values{"text": {text}, "speaker": {speaker}}
	resp, err := PostWithRetries(ctx, c.HTTP, c.URL+"/audio_query?"+q.Encode(), "", nil, c.Timeout, c.Attempts, cid)
	if err != nil {
		return nil, fmt.Errorf("tts: audio_query: %w", err)
	}
	var query map[string]any
	err = decodeOK(resp, &query)
	if err != nil {
		return nil, fmt.Errorf("tts: audio_query: %w", err)
	}
	c.tune(query)
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("tts: encode query: %w", err)
	}

	q = url.Values{"speaker": {speaker}}
	resp, err = PostWithRetries(ctx, c.HTTP, c.URL+"/synthesis?"+q.Encode(), "application/json", body, c.Timeout, c.Attempts, cid)
	if err != nil {
		return nil, fmt.Errorf("tts: synthesis: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		logging.Warnw("tts: synthesis returned non-2xx", "status", resp.StatusCode, "correlation_id", cid)
		return nil, fmt.Errorf("tts: synthesis returned status %d", resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read synthesis: %w", err)
	}
	return c.normalize(wav)
}

// tune applies the output format and any tuning to a raw audio_query.
func (c *Client) tune(q map[string]any) {
	if c.Output.SampleRate > 0 {
		q["outputSamplingRate"] = c.Output.SampleRate
		q["outputStereo"] = c.Output.Channels == 2
	}
	set := func(key string, v float64) {
		if v != 0 {
			q[key] = v
		}
	}
	set("speedScale", c.Tuning.SpeedScale)
	set("pitchScale", c.Tuning.PitchScale)
	set("intonationScale", c.Tuning.IntonationScale)
	set("volumeScale", c.Tuning.VolumeScale)
	if c.Tuning.PauseScale == 0 {
		return
	}
	phrases, _ := q["accent_phrases"].([]any)
	for _, p := range phrases {
		phrase, _ := p.(map[string]any)
		pause, _ := phrase["pause_mora"].(map[string]any)
		if pause == nil || pause["vowel"] != "pau" {
			continue
		}
		if l, ok := pause["vowel_length"].(float64); ok {
			pause["vowel_length"] = l * c.Tuning.PauseScale
		}
	}
}

// normalize converts engines that ignore the requested output format.
func (c *Client) normalize(wav []byte) ([]byte, error) {
	f, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	if c.Output.SampleRate == 0 || f == c.Output {
		return wav, nil
	}
	logging.Debugw("tts: converting engine output", "from_rate", f.SampleRate, "from_channels", f.Channels)
	samples := audio.Convert(audio.Samples(pcm), f, c.Output)
	return audio.BuildWAV(audio.Bytes(samples), c.Output), nil
}

func decodeOK(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
