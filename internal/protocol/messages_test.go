package protocol

import (
	"errors"
	"testing"

	"github.com/dmarchetti/vela/internal/upstream"
)

func TestParseClientMessageAudioChunk(t *testing.T) {
	raw := []byte(`{"type":"client_audio_chunk","pcm16_base64":"AQID","mime_type":"audio/pcm;rate=16000","seq":1,"ts_ms":123}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(ClientAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientAudioChunk", msg)
	}
	if audio.PCM16Base64 != "AQID" || audio.MimeType != "audio/pcm;rate=16000" {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseClientMessageText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_text","text":"hello"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	text, ok := msg.(ClientText)
	if !ok || text.Text != "hello" {
		t.Fatalf("unexpected message: %#v", msg)
	}
}

func TestParseClientMessageAudioEnd(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_audio_end","ts_ms":5}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientAudioEnd); !ok {
		t.Fatalf("message type = %T, want ClientAudioEnd", msg)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"garbage", `not json`},
		{"unknown type", `{"type":"stt_partial"}`},
		{"empty audio", `{"type":"client_audio_chunk","pcm16_base64":""}`},
		{"empty text", `{"type":"client_text","text":""}`},
		{"empty control action", `{"type":"client_control"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tc.raw)); err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
		})
	}

	if _, err := ParseClientMessage([]byte(`{"type":"bogus"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestFromUpstreamEvent(t *testing.T) {
	audio := FromUpstreamEvent("s1", upstream.Event{
		Type:        upstream.EventAudio,
		AudioBase64: "AAAA",
		MimeType:    "audio/pcm;rate=24000",
		Timestamp:   10,
	})
	chunk, ok := audio.(AssistantAudioChunk)
	if !ok {
		t.Fatalf("message type = %T, want AssistantAudioChunk", audio)
	}
	if chunk.SessionID != "s1" || chunk.AudioBase64 != "AAAA" || chunk.Type != TypeAssistantAudio {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}

	closed := FromUpstreamEvent("s1", upstream.Event{
		Type: upstream.EventClosed,
		Code: "expired",
	})
	sys, ok := closed.(SystemEvent)
	if !ok {
		t.Fatalf("message type = %T, want SystemEvent", closed)
	}
	if sys.Code != "session_closed" || sys.Detail != "expired" {
		t.Fatalf("unexpected system event: %+v", sys)
	}

	errEv := FromUpstreamEvent("s1", upstream.Event{
		Type:      upstream.EventError,
		Code:      "go_away",
		Detail:    "maintenance",
		Retryable: true,
	})
	e, ok := errEv.(ErrorEvent)
	if !ok {
		t.Fatalf("message type = %T, want ErrorEvent", errEv)
	}
	if !e.Retryable || e.Code != "go_away" {
		t.Fatalf("unexpected error event: %+v", e)
	}

	if msg := FromUpstreamEvent("s1", upstream.Event{Type: "unknown"}); msg != nil {
		t.Fatalf("expected nil for unknown event type, got %#v", msg)
	}
}
