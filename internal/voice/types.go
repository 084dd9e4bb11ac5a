package voice

import (
	"context"
	"errors"
	"time"
)

// SpeakerID is the platform identity of a call participant.
type SpeakerID string

// Fragment is a partial transcript emitted by a recognition session.
// Fragments for the same speaker are concatenated by the receiver.
type Fragment struct {
	Speaker SpeakerID
	Text    string
}

// Profile is what the bot knows about a speaker.
type Profile struct {
	ID                SpeakerID
	DisplayName       string
	PronounClass      string
	EngagementCounter int64
}

// ChatRequest is one turn sent to the chat backend.
type ChatRequest struct {
	Message  string
	Token    string
	Speakers []SpeakerID
}

// ChatReply is the backend's answer. Token continues the conversation on
// the next request.
type ChatReply struct {
	Text    string
	Actions []Action
	Token   string
}

// TalkRecord is one completed exchange, kept for history.
type TalkRecord struct {
	Speaker   SpeakerID
	SessionID string
	Input     string
	Output    string
	At        time.Time
}

var (
	// ErrProfileNotFound is returned by profile stores for unknown speakers.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("voice session closed")
)

// Stream is a live recognition stream for a single speaker. Results is
// closed once the provider has finished, either after CloseSend has been
// flushed or after Close.
type Stream interface {
	Send(ctx context.Context, pcm []byte) error
	Results() <-chan string
	CloseSend() error
	Close() error
}

// Recognizer opens streaming recognition sessions. speaker carries at
// least the ID; the rest is filled in when the profile store knows it.
type Recognizer interface {
	Open(ctx context.Context, speaker Profile) (Stream, error)
}

// ChatBackend produces replies and follow-up actions.
type ChatBackend interface {
	Respond(ctx context.Context, req ChatRequest) (ChatReply, error)
}

// VoiceProfile selects the synthesized voice. A zero Speaker means the
// synthesizer's configured default.
type VoiceProfile struct {
	Speaker int
}

// Synthesizer converts reply text to a WAV payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)
}

// Player plays audio into the call. The returned channel receives exactly
// one value when playback has finished or failed.
type Player interface {
	Play(ctx context.Context, audio []byte) (<-chan error, error)
}

// ProfileStore reads speaker profiles and counts engagements.
type ProfileStore interface {
	GetSpeakerProfile(ctx context.Context, id SpeakerID) (Profile, error)
	IncrementEngagementCounter(ctx context.Context, id SpeakerID) error
}

// HistoryStore persists completed exchanges.
type HistoryStore interface {
	SaveTalk(ctx context.Context, rec TalkRecord) error
}

// MessagePoster writes text to the auxiliary text channel.
type MessagePoster interface {
	PostMessage(ctx context.Context, text string) error
}

// ToolDispatcher executes actions the orchestrator does not handle itself.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any) (string, error)
}
