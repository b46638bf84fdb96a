package upstream

import (
	"context"
	"encoding/json"
)

type EventType string

const (
	// EventOpen is emitted once the remote service has acknowledged session
	// setup; the relay flips the session readiness flag on it.
	EventOpen                EventType = "open"
	EventAudio               EventType = "audio"
	EventText                EventType = "text"
	EventInputTranscription  EventType = "input_transcription"
	EventOutputTranscription EventType = "output_transcription"
	EventToolCall            EventType = "tool_call"
	EventTurnComplete        EventType = "turn_complete"
	EventInterrupted         EventType = "interrupted"
	EventError               EventType = "error"
	EventClosed              EventType = "closed"
)

// Event is one upstream occurrence surfaced to the relay. Payloads pass
// through unmodified; the relay only reframes them for the push channel.
type Event struct {
	Type        EventType
	AudioBase64 string
	MimeType    string
	Text        string
	ToolCall    json.RawMessage
	Code        string
	Detail      string
	Retryable   bool
	Timestamp   int64
}

// Session is one live connection to the remote realtime speech service.
type Session interface {
	SendAudio(ctx context.Context, audioBase64, mimeType string) error
	SendText(ctx context.Context, text string) error
	SendAudioEnd(ctx context.Context) error
	Close() error
}

// Dialer opens upstream sessions. Exactly one upstream session exists per
// relay session; the returned channel closes when the connection dies.
type Dialer interface {
	Dial(ctx context.Context, sessionID, systemInstruction string) (Session, <-chan Event, error)
}
