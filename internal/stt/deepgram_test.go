package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slofp/estella/internal/config"
	"github.com/slofp/estella/internal/voice"
)

type fakeDeepgram struct {
	query      chan url.Values
	auth       chan string
	keepAlives atomic.Int32
}

func newFakeDeepgram(t *testing.T) (*fakeDeepgram, *httptest.Server) {
	t.Helper()
	f := &fakeDeepgram{query: make(chan url.Values, 1), auth: make(chan string, 1)}
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.query <- r.URL.Query()
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				conn.WriteJSON(map[string]any{"type": "Results", "is_final": false,
					"channel": map[string]any{"alternatives": []map[string]any{{"transcript": "interim"}}}})
				conn.WriteJSON(map[string]any{"type": "Results", "is_final": true,
					"channel": map[string]any{"alternatives": []map[string]any{{"transcript": fmt.Sprintf("%d bytes", len(data))}}}})
				continue
			}
			switch {
			case strings.Contains(string(data), "KeepAlive"):
				f.keepAlives.Add(1)
			case strings.Contains(string(data), "CloseStream"):
				conn.WriteJSON(map[string]any{"type": "Metadata"})
				conn.WriteJSON(map[string]any{"type": "Results", "is_final": true,
					"channel": map[string]any{"alternatives": []map[string]any{{"transcript": "bye"}}}})
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return f, ts
}

func newTestRecognizer(ts *httptest.Server) *Recognizer {
	return New(config.RecognitionConfig{
		URL:        "ws" + strings.TrimPrefix(ts.URL, "http"),
		APIKey:     "secret",
		Model:      "nova-2",
		Language:   "ja",
		EndpointMs: 300,
	})
}

func TestStreamTranscribesUntilCloseSend(t *testing.T) {
	f, ts := newFakeDeepgram(t)
	stream, err := newTestRecognizer(ts).Open(context.Background(), voice.Profile{ID: "42"})
	require.NoError(t, err)
	defer stream.Close()

	q := <-f.query
	assert.Equal(t, "linear16", q.Get("encoding"))
	assert.Equal(t, "48000", q.Get("sample_rate"))
	assert.Equal(t, "2", q.Get("channels"))
	assert.Equal(t, "ja", q.Get("language"))
	assert.Equal(t, "300", q.Get("endpointing"))

	require.NoError(t, stream.Send(context.Background(), make([]byte, 8)))
	require.NoError(t, stream.CloseSend())
	assert.ErrorIs(t, stream.Send(context.Background(), []byte{1}), ErrSendClosed)

	var got []string
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case text, ok := <-stream.Results():
			if !ok {
				done = true
				break
			}
			got = append(got, text)
		case <-timeout:
			t.Fatalf("results not closed, got %q", got)
		}
	}
	assert.Equal(t, []string{"8 bytes", "bye"}, got)
}

func TestStreamSendsKeepAlive(t *testing.T) {
	f, ts := newFakeDeepgram(t)
	r := newTestRecognizer(ts)
	r.KeepAlive = 10 * time.Millisecond
	stream, err := r.Open(context.Background(), voice.Profile{ID: "1"})
	require.NoError(t, err)
	defer stream.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.keepAlives.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, f.keepAlives.Load(), int32(2))
}

func TestOpenRejected(t *testing.T) {
	_, ts := newFakeDeepgram(t)
	r := newTestRecognizer(ts)
	r.APIKey = "wrong"
	_, err := r.Open(context.Background(), voice.Profile{ID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestStreamClosesWithContext(t *testing.T) {
	_, ts := newFakeDeepgram(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := newTestRecognizer(ts).Open(ctx, voice.Profile{ID: "1"})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-stream.Results():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("stream survived context cancellation")
	}
	assert.Error(t, stream.Send(context.Background(), []byte{1}))
	stream.Close()
}

// A peer that stops reading must not keep Close waiting on a blocked write.
func TestCloseUnblocksStalledSend(t *testing.T) {
	release := make(chan struct{})
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer ts.Close()
	defer close(release)

	r := newTestRecognizer(ts)
	r.WriteTimeout = time.Minute
	stream, err := r.Open(context.Background(), voice.Profile{ID: "1"})
	require.NoError(t, err)

	var sent atomic.Int64
	sendErr := make(chan error, 1)
	go func() {
		chunk := make([]byte, 1<<20)
		for {
			if err := stream.Send(context.Background(), chunk); err != nil {
				sendErr <- err
				return
			}
			sent.Add(1)
		}
	}()

	// Wait for the socket buffers to fill and the writer to stall.
	deadline := time.Now().Add(3 * time.Second)
	last := int64(-1)
	for time.Now().Before(deadline) {
		cur := sent.Load()
		if cur == last {
			break
		}
		last = cur
		time.Sleep(200 * time.Millisecond)
	}

	closed := make(chan error, 1)
	go func() { closed <- stream.Close() }()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close blocked behind a stalled Send")
	}
	select {
	case err := <-sendErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("stalled Send never returned")
	}
}
