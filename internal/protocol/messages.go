package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmarchetti/vela/internal/upstream"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientText       MessageType = "client_text"
	TypeClientAudioEnd   MessageType = "client_audio_end"
	TypeClientControl    MessageType = "client_control"

	// Server to client.
	TypeAssistantAudio      MessageType = "assistant_audio_chunk"
	TypeAssistantTextDelta  MessageType = "assistant_text_delta"
	TypeInputTranscription  MessageType = "input_transcription"
	TypeOutputTranscription MessageType = "output_transcription"
	TypeToolCall            MessageType = "tool_call"
	TypeTurnComplete        MessageType = "turn_complete"
	TypeInterrupted         MessageType = "interrupted"
	TypeSystemEvent         MessageType = "system_event"
	TypeErrorEvent          MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	PCM16Base64 string      `json:"pcm16_base64"`
	MimeType    string      `json:"mime_type"`
	Seq         int         `json:"seq"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientAudioEnd struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms"`
}

// ClientControl carries out-of-band actions on an open stream. The only
// supported action today is "close".
type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioBase64 string      `json:"audio_base64"`
	MimeType    string      `json:"mime_type"`
	TSMs        int64       `json:"ts_ms"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TextDelta string      `json:"text_delta"`
	TSMs      int64       `json:"ts_ms"`
}

type Transcription struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type ToolCall struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	TSMs      int64           `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
	Retryable bool        `json:"retryable"`
	TSMs      int64       `json:"ts_ms"`
}

// CreateSessionRequest is the body of POST /v1/relay/session.
type CreateSessionRequest struct {
	SessionID         string `json:"session_id,omitempty"`
	SystemInstruction string `json:"system_instruction,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx HTTP response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ParseClientMessage decodes and validates one inbound websocket frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientAudioEnd:
		var msg ClientAudioEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// FromUpstreamEvent reframes one upstream event as its outbound websocket
// message. Payload semantics pass through untouched; only the envelope
// changes. Returns nil for event types with no client-facing frame.
func FromUpstreamEvent(sessionID string, ev upstream.Event) any {
	switch ev.Type {
	case upstream.EventAudio:
		return AssistantAudioChunk{
			Type:        TypeAssistantAudio,
			SessionID:   sessionID,
			AudioBase64: ev.AudioBase64,
			MimeType:    ev.MimeType,
			TSMs:        ev.Timestamp,
		}
	case upstream.EventText:
		return AssistantTextDelta{
			Type:      TypeAssistantTextDelta,
			SessionID: sessionID,
			TextDelta: ev.Text,
			TSMs:      ev.Timestamp,
		}
	case upstream.EventInputTranscription:
		return Transcription{
			Type:      TypeInputTranscription,
			SessionID: sessionID,
			Text:      ev.Text,
			TSMs:      ev.Timestamp,
		}
	case upstream.EventOutputTranscription:
		return Transcription{
			Type:      TypeOutputTranscription,
			SessionID: sessionID,
			Text:      ev.Text,
			TSMs:      ev.Timestamp,
		}
	case upstream.EventToolCall:
		return ToolCall{
			Type:      TypeToolCall,
			SessionID: sessionID,
			Payload:   ev.ToolCall,
			TSMs:      ev.Timestamp,
		}
	case upstream.EventTurnComplete:
		return SystemEvent{
			Type:      TypeTurnComplete,
			SessionID: sessionID,
			Code:      "turn_complete",
			TSMs:      ev.Timestamp,
		}
	case upstream.EventInterrupted:
		return SystemEvent{
			Type:      TypeInterrupted,
			SessionID: sessionID,
			Code:      "interrupted",
			TSMs:      ev.Timestamp,
		}
	case upstream.EventOpen:
		return SystemEvent{
			Type:      TypeSystemEvent,
			SessionID: sessionID,
			Code:      "session_ready",
			TSMs:      ev.Timestamp,
		}
	case upstream.EventClosed:
		return SystemEvent{
			Type:      TypeSystemEvent,
			SessionID: sessionID,
			Code:      "session_closed",
			Detail:    ev.Code,
			TSMs:      ev.Timestamp,
		}
	case upstream.EventError:
		return ErrorEvent{
			Type:      TypeErrorEvent,
			SessionID: sessionID,
			Code:      ev.Code,
			Detail:    ev.Detail,
			Retryable: ev.Retryable,
			TSMs:      ev.Timestamp,
		}
	default:
		return nil
	}
}
