package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/slofp/estella/internal/config"
	"github.com/slofp/estella/internal/voice"
)

func messageOutput(id, text string) map[string]any {
	return map[string]any{
		"id": id,
		"output": []map[string]any{
			{"type": "web_search_call", "status": "completed"},
			{"type": "message", "role": "assistant", "content": []map[string]any{{"type": "output_text", "text": text}}},
		},
	}
}

func newTestClient(url string) *Client {
	return NewClient(config.ChatConfig{BaseURL: url, APIKey: "k", Model: "gpt-5", FallbackModel: "local", TimeoutSec: 5}, "Asia/Tokyo")
}

func TestRespondSendsTokenAndParsesActions(t *testing.T) {
	var got responseRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" || r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "bad request", 400)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(messageOutput("resp_2", `{"message":"やあ","actions":[{"name":"send_message_channel","params":{"text":"memo"}}]}`))
	}))
	defer ts.Close()

	reply, err := newTestClient(ts.URL).Respond(context.Background(), voice.ChatRequest{Message: "hello", Token: "resp_1"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got.PreviousResponseID != "resp_1" || !got.Store || got.Input[0].Content != "hello" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].UserLocation.Timezone != "Asia/Tokyo" {
		t.Fatalf("web search tool missing: %+v", got.Tools)
	}
	if reply.Text != "やあ" || reply.Token != "resp_2" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if len(reply.Actions) != 1 || reply.Actions[0].Kind() != voice.ActionPostMessage {
		t.Fatalf("actions: %+v", reply.Actions)
	}
}

func TestModelSelectionAndFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]interface{}
		json.NewDecoder(r.Body).Decode(&p)
		model, _ := p["model"].(string)
		if model == "gpt-5" {
			http.Error(w, "server error", 500)
			return
		}
		json.NewEncoder(w).Encode(messageOutput("resp", "ok from "+model))
	}))
	defer ts.Close()

	reply, err := newTestClient(ts.URL).Respond(context.Background(), voice.ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("expected success via fallback, got err: %v", err)
	}
	if reply.Text != "ok from local" {
		t.Fatalf("unexpected content: %v", reply.Text)
	}
}

func TestPermanentError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", 401)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Respond(context.Background(), voice.ChatRequest{Message: "hi"})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got: %v", err)
	}
}

func TestTransientWithoutFallback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	c.FallbackModel = ""
	_, err := c.Respond(context.Background(), voice.ChatRequest{Message: "hi"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got: %v", err)
	}
}

func TestUnknownTokenStartsFresh(t *testing.T) {
	var mu sync.Mutex
	var tokens []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p responseRequest
		json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		tokens = append(tokens, p.PreviousResponseID)
		mu.Unlock()
		if p.PreviousResponseID != "" {
			http.Error(w, `{"error":{"message":"Previous response with id 'old' not found.","param":"previous_response_id"}}`, 400)
			return
		}
		json.NewEncoder(w).Encode(messageOutput("fresh", "plain answer"))
	}))
	defer ts.Close()

	reply, err := newTestClient(ts.URL).Respond(context.Background(), voice.ChatRequest{Message: "hi", Token: "old"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply.Token != "fresh" || reply.Text != "plain answer" || reply.Actions != nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if len(tokens) != 2 || tokens[0] != "old" || tokens[1] != "" {
		t.Fatalf("tokens sent: %q", tokens)
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		text    string
		actions int
	}{
		{"plain", "  just text ", "just text", 0},
		{"json", `{"message":"hi","actions":[]}`, "hi", 0},
		{"fenced", "```json\n{\"message\":\"hi\",\"actions\":[{\"name\":\"end_talk\",\"params\":{}}]}\n```", "hi", 1},
		{"empty message", `{"message":"","actions":[{"name":"end_talk"}]}`, "", 1},
		{"nameless action", `{"message":"x","actions":[{"name":" "}]}`, "x", 0},
		{"broken json", `{"message":`, `{"message":`, 0},
		{"other object", `{"foo":1}`, `{"foo":1}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, actions := ParseReply(tt.in)
			if text != tt.text || len(actions) != tt.actions {
				t.Fatalf("ParseReply(%q) = %q, %d actions", tt.in, text, len(actions))
			}
		})
	}
}
