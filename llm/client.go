package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slofp/estella/internal/config"
	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/voice"
)

// Client talks to an OpenAI-compatible Responses endpoint and implements
// voice.ChatBackend.
type Client struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	Instructions  string
	// TimeZone is passed to the web search tool as the caller's location.
	// Empty disables the tool.
	TimeZone string
	HTTP     *http.Client
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

func NewClient(cfg config.ChatConfig, timeZone string) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4.1"
	}
	return &Client{
		BaseURL:       strings.TrimRight(base, "/"),
		APIKey:        cfg.APIKey,
		Model:         model,
		FallbackModel: cfg.FallbackModel,
		Instructions:  cfg.Instructions,
		TimeZone:      timeZone,
		HTTP:          &http.Client{Timeout: cfg.Timeout()},
	}
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type userLocation struct {
	Type     string `json:"type"`
	Timezone string `json:"timezone,omitempty"`
}

type tool struct {
	Type              string        `json:"type"`
	SearchContextSize string        `json:"search_context_size,omitempty"`
	UserLocation      *userLocation `json:"user_location,omitempty"`
}

type responseRequest struct {
	Model              string         `json:"model"`
	Instructions       string         `json:"instructions,omitempty"`
	Input              []inputMessage `json:"input"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
	Tools              []tool         `json:"tools,omitempty"`
	Temperature        float64        `json:"temperature"`
	TopP               float64        `json:"top_p"`
	MaxOutputTokens    int            `json:"max_output_tokens"`
	Store              bool           `json:"store"`
}

type responseBody struct {
	ID     string `json:"id"`
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

// Respond sends one turn. req.Token continues an earlier conversation; a
// token the server no longer knows is dropped and the turn retried fresh.
func (c *Client) Respond(ctx context.Context, req voice.ChatRequest) (voice.ChatReply, error) {
	id, text, err := c.create(ctx, c.Model, req.Message, req.Token)
	if err != nil && req.Token != "" && errors.Is(err, errUnknownToken) {
		logging.Warnw("llm: continuation token rejected, starting fresh", "token", req.Token)
		id, text, err = c.create(ctx, c.Model, req.Message, "")
	}
	if err != nil && errors.Is(err, ErrTransient) && c.FallbackModel != "" && c.FallbackModel != c.Model {
		logging.Warnw("llm: primary model failed, trying fallback", "model", c.Model, "fallback", c.FallbackModel, "err", err)
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return voice.ChatReply{}, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		id, text, err = c.create(ctx, c.FallbackModel, req.Message, req.Token)
	}
	if err != nil {
		return voice.ChatReply{}, err
	}
	msg, actions := ParseReply(text)
	logging.Debugw("llm: reply", "response_id", id, "actions", len(actions))
	return voice.ChatReply{Text: msg, Actions: actions, Token: id}, nil
}

var errUnknownToken = fmt.Errorf("%w: unknown previous response", ErrPermanent)

func (c *Client) create(ctx context.Context, model, message, token string) (string, string, error) {
	payload := responseRequest{
		Model:              model,
		Instructions:       c.Instructions,
		Input:              []inputMessage{{Role: "user", Content: message}},
		PreviousResponseID: token,
		Temperature:        1.0,
		TopP:               0.9,
		MaxOutputTokens:    10000,
		Store:              true,
	}
	if c.TimeZone != "" {
		payload.Tools = []tool{{
			Type:              "web_search_preview",
			SearchContextSize: "low",
			UserLocation:      &userLocation{Type: "approximate", Timezone: c.TimeZone},
		}}
	}
	bodyBytes, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/responses", c.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out responseBody
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", "", fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		text, ok := lastMessageText(out)
		if !ok {
			return "", "", fmt.Errorf("%w: response %s has no message output", ErrPermanent, out.ID)
		}
		return out.ID, text, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if token != "" && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest) &&
		strings.Contains(string(detail), "previous_response") {
		return "", "", errUnknownToken
	}
	return "", "", fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(detail)))
}

// lastMessageText returns the text of the final message item, skipping
// tool calls such as web searches.
func lastMessageText(out responseBody) (string, bool) {
	for i := len(out.Output) - 1; i >= 0; i-- {
		item := out.Output[i]
		if item.Type != "message" {
			continue
		}
		var sb strings.Builder
		for _, c := range item.Content {
			if c.Type == "output_text" || c.Type == "text" {
				sb.WriteString(c.Text)
			}
		}
		return sb.String(), true
	}
	return "", false
}

type structuredReply struct {
	Message *string        `json:"message"`
	Actions []voice.Action `json:"actions"`
}

// ParseReply splits the model's structured answer into spoken text and
// actions. Anything that is not the expected JSON object is spoken as is.
func ParseReply(text string) (string, []voice.Action) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if !strings.HasPrefix(trimmed, "{") {
		return strings.TrimSpace(text), nil
	}
	var sr structuredReply
	if err := json.Unmarshal([]byte(trimmed), &sr); err != nil || sr.Message == nil {
		return strings.TrimSpace(text), nil
	}
	actions := sr.Actions[:0]
	for _, a := range sr.Actions {
		if strings.TrimSpace(a.Name) != "" {
			actions = append(actions, a)
		}
	}
	if len(actions) == 0 {
		actions = nil
	}
	return strings.TrimSpace(*sr.Message), actions
}
