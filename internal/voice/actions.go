package voice

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is a structured follow-up returned by the chat backend.
type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ActionKind classifies an Action by name.
type ActionKind int

const (
	ActionTool ActionKind = iota
	ActionRedirect
	ActionEndTopic
	ActionPostMessage
)

func (k ActionKind) String() string {
	switch k {
	case ActionRedirect:
		return "redirect"
	case ActionEndTopic:
		return "end_topic"
	case ActionPostMessage:
		return "post_message"
	default:
		return "tool"
	}
}

// Kind maps the backend's action names, including the legacy spellings.
func (a Action) Kind() ActionKind {
	switch strings.ToLower(strings.TrimSpace(a.Name)) {
	case "redirect", "change_target", "change_talk_target":
		return ActionRedirect
	case "end_topic", "end_talk", "end_conversation":
		return ActionEndTopic
	case "post_message", "send_message_channel":
		return ActionPostMessage
	default:
		return ActionTool
	}
}

// StringParam returns params[key] rendered as a string. JSON numbers are
// formatted without a fractional part when they are integral.
func (a Action) StringParam(key string) string {
	v, ok := a.Params[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

// Target is the speaker a redirect points at.
func (a Action) Target() SpeakerID {
	for _, k := range []string{"user_id", "target", "speaker_id"} {
		if v := a.StringParam(k); v != "" {
			return SpeakerID(v)
		}
	}
	return ""
}
