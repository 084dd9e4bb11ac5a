// Package stt streams call audio to Deepgram's live transcription API.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slofp/estella/internal/config"
	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/voice"
)

var ErrSendClosed = errors.New("stt: stream input already closed")

// Recognizer opens one Deepgram live session per speaker. Audio is the
// call's native 48 kHz stereo linear16.
type Recognizer struct {
	URL         string
	APIKey      string
	Model       string
	Language    string
	EndpointMs  int
	KeepAlive   time.Duration
	SampleRate  int
	Channels    int
	Dialer      *websocket.Dialer
	DialTimeout time.Duration
	// WriteTimeout bounds a single audio write when the caller's context
	// has no deadline.
	WriteTimeout time.Duration
}

func New(cfg config.RecognitionConfig) *Recognizer {
	return &Recognizer{
		URL:         cfg.URL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Language:    cfg.Language,
		EndpointMs:  cfg.EndpointMs,
		KeepAlive:   cfg.KeepAlive(),
		SampleRate:  48000,
		Channels:    2,
		Dialer:       websocket.DefaultDialer,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func (r *Recognizer) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimSpace(r.URL))
	if err != nil {
		return "", fmt.Errorf("stt: bad url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.SampleRate))
	q.Set("channels", strconv.Itoa(r.Channels))
	if r.Model != "" {
		q.Set("model", r.Model)
	}
	if r.Language != "" {
		q.Set("language", r.Language)
	}
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("no_delay", "true")
	if r.EndpointMs > 0 {
		q.Set("endpointing", strconv.Itoa(r.EndpointMs))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the live endpoint. The stream stays up until Close, the
// provider hangs up, or ctx ends.
func (r *Recognizer) Open(ctx context.Context, profile voice.Profile) (voice.Stream, error) {
	speaker := profile.ID
	target, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	if r.APIKey != "" {
		headers.Set("Authorization", "Token "+r.APIKey)
	}
	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialCtx := ctx
	if r.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.DialTimeout)
		defer cancel()
	}
	conn, resp, err := dialer.DialContext(dialCtx, target, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stt: dial %s: status %d: %w", speaker, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stt: dial %s: %w", speaker, err)
	}

	s := &Stream{
		conn:         conn,
		speaker:      speaker,
		writeTimeout: r.WriteTimeout,
		results:      make(chan string, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.watch(ctx, r.KeepAlive)
	logging.Debugw("stt: stream open", "speaker.id", string(speaker), "speaker.name", profile.DisplayName)
	return s, nil
}

// Stream is a single Deepgram live connection.
type Stream struct {
	conn         *websocket.Conn
	speaker      voice.SpeakerID
	writeTimeout time.Duration
	results      chan string

	writeMu    sync.Mutex
	sendClosed bool

	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	done      chan struct{}
}

type control struct {
	Type string `json:"type"`
}

type liveMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

func (s *Stream) Results() <-chan string { return s.results }

// Send writes one chunk of linear16 audio.
func (s *Stream) Send(ctx context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return ErrSendClosed
	}
	dl, ok := ctx.Deadline()
	if !ok && s.writeTimeout > 0 {
		dl, ok = time.Now().Add(s.writeTimeout), true
	}
	if ok {
		_ = s.conn.SetWriteDeadline(dl)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// CloseSend asks the provider to flush outstanding results and hang up.
func (s *Stream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.conn.WriteJSON(control{Type: "CloseStream"})
}

// Close tears the connection down and waits for the reader to exit. It
// does not wait for a pending Send: closing the socket fails that write.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		// WriteControl may run concurrently with a blocked data write.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
		s.writeMu.Lock()
		s.sendClosed = true
		s.writeMu.Unlock()
	})
	<-s.done
	return s.closeErr
}

func (s *Stream) readLoop() {
	defer close(s.done)
	defer close(s.results)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				select {
				case <-s.stop:
				default:
					logging.Debugw("stt: read ended", "speaker.id", string(s.speaker), "err", err)
				}
			}
			return
		}
		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugw("stt: undecodable message", "speaker.id", string(s.speaker), "err", err)
			continue
		}
		switch msg.Type {
		case "Results":
			if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := msg.Channel.Alternatives[0].Transcript
			if strings.TrimSpace(text) == "" {
				continue
			}
			select {
			case s.results <- text:
			case <-s.stop:
				return
			}
		case "Error":
			logging.Warnw("stt: provider error", "speaker.id", string(s.speaker), "description", msg.Description)
		}
	}
}

// watch sends keep-alives while the input is idle and closes the stream
// when ctx ends.
func (s *Stream) watch(ctx context.Context, every time.Duration) {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-tick:
			s.writeMu.Lock()
			var err error
			if !s.sendClosed {
				err = s.conn.WriteJSON(control{Type: "KeepAlive"})
			}
			s.writeMu.Unlock()
			if err != nil {
				logging.Debugw("stt: keepalive failed", "speaker.id", string(s.speaker), "err", err)
			}
		}
	}
}
