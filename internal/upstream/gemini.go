package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmarchetti/vela/internal/reliability"
)

// Gemini Live bidirectional websocket endpoint.
const geminiBidiPath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type GeminiConfig struct {
	APIKey    string
	WSBaseURL string
	Model     string
	Voice     string
}

// GeminiDialer opens Gemini Live sessions over the bidiGenerateContent
// websocket protocol. The relay treats payloads as opaque; only the framing
// documented for the protocol is produced and consumed here.
type GeminiDialer struct {
	cfg GeminiConfig
}

func NewGeminiDialer(cfg GeminiConfig) *GeminiDialer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "models/gemini-2.0-flash-live-001"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Aoede"
	}
	return &GeminiDialer{cfg: cfg}
}

func (d *GeminiDialer) Dial(ctx context.Context, _ string, systemInstruction string) (Session, <-chan Event, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.WSBaseURL, "/") + geminiBidiPath)
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("key", d.cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial gemini live websocket: %w", err)
	}

	events := make(chan Event, 256)
	s := &geminiSession{conn: conn, events: events}
	if err := s.sendSetup(d.cfg, systemInstruction); err != nil {
		_ = conn.Close()
		close(events)
		return nil, nil, fmt.Errorf("send setup: %w", err)
	}
	go s.readLoop()
	return s, events, nil
}

// emit never blocks the read loop: if the relay consumer has fallen behind
// or is gone, the event is dropped.
func (s *geminiSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

type geminiSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
}

func (s *geminiSession) sendSetup(cfg GeminiConfig, systemInstruction string) error {
	setup := map[string]any{
		"model": cfg.Model,
		"generationConfig": map[string]any{
			"responseModalities": []string{"AUDIO"},
			"speechConfig": map[string]any{
				"voiceConfig": map[string]any{
					"prebuiltVoiceConfig": map[string]any{"voiceName": cfg.Voice},
				},
			},
		},
		"outputAudioTranscription": map[string]any{},
		"inputAudioTranscription":  map[string]any{},
	}
	if strings.TrimSpace(systemInstruction) != "" {
		setup["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": systemInstruction}},
		}
	}
	return s.writeJSON(map[string]any{"setup": setup})
}

func (s *geminiSession) SendAudio(_ context.Context, audioBase64, mimeType string) error {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "audio/pcm;rate=16000"
	}
	return s.writeJSON(map[string]any{
		"realtimeInput": map[string]any{
			"mediaChunks": []map[string]any{
				{"mimeType": mimeType, "data": audioBase64},
			},
		},
	})
}

func (s *geminiSession) SendText(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{
		"clientContent": map[string]any{
			"turns": []map[string]any{
				{"role": "user", "parts": []map[string]any{{"text": text}}},
			},
			"turnComplete": true,
		},
	})
}

func (s *geminiSession) SendAudioEnd(_ context.Context) error {
	return s.writeJSON(map[string]any{
		"realtimeInput": map[string]any{"audioStreamEnd": true},
	})
}

func (s *geminiSession) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

// serverMessage mirrors the subset of the bidi protocol the relay forwards.
type serverMessage struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn *struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"modelTurn"`
		InputTranscription *struct {
			Text string `json:"text"`
		} `json:"inputTranscription"`
		OutputTranscription *struct {
			Text string `json:"text"`
		} `json:"outputTranscription"`
		TurnComplete bool `json:"turnComplete"`
		Interrupted  bool `json:"interrupted"`
	} `json:"serverContent"`
	ToolCall json.RawMessage `json:"toolCall"`
	GoAway   *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// readLoop is the only sender on s.events and therefore the only closer.
// It exits when the connection dies, whether upstream hung up or Close tore
// the connection down underneath it.
func (s *geminiSession) readLoop() {
	defer func() {
		s.emitClosed()
		close(s.events)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		now := time.Now().UnixMilli()

		if msg.SetupComplete != nil {
			s.emit(Event{Type: EventOpen, Timestamp: now})
			continue
		}
		if len(msg.ToolCall) > 0 {
			s.emit(Event{Type: EventToolCall, ToolCall: msg.ToolCall, Timestamp: now})
			continue
		}
		if msg.GoAway != nil {
			s.emit(Event{
				Type:      EventError,
				Code:      "go_away",
				Detail:    "upstream will close in " + msg.GoAway.TimeLeft,
				Retryable: reliability.IsRetryableUpstreamCode("go_away"),
				Timestamp: now,
			})
			continue
		}
		if msg.Error != nil {
			code := strings.ToLower(msg.Error.Status)
			s.emit(Event{
				Type:      EventError,
				Code:      code,
				Detail:    msg.Error.Message,
				Retryable: reliability.IsRetryableUpstreamCode(code),
				Timestamp: now,
			})
			continue
		}
		if sc := msg.ServerContent; sc != nil {
			if sc.Interrupted {
				s.emit(Event{Type: EventInterrupted, Timestamp: now})
			}
			if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
				s.emit(Event{Type: EventInputTranscription, Text: sc.InputTranscription.Text, Timestamp: now})
			}
			if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
				s.emit(Event{Type: EventOutputTranscription, Text: sc.OutputTranscription.Text, Timestamp: now})
			}
			if sc.ModelTurn != nil {
				for _, part := range sc.ModelTurn.Parts {
					if part.InlineData != nil && part.InlineData.Data != "" {
						s.emit(Event{
							Type:        EventAudio,
							AudioBase64: part.InlineData.Data,
							MimeType:    part.InlineData.MimeType,
							Timestamp:   now,
						})
					}
					if part.Text != "" {
						s.emit(Event{Type: EventText, Text: part.Text, Timestamp: now})
					}
				}
			}
			if sc.TurnComplete {
				s.emit(Event{Type: EventTurnComplete, Timestamp: now})
			}
		}
	}
}

// Close tears down the websocket. The event channel is closed by readLoop
// once the connection drop stops it, so a concurrent emit can never hit a
// closed channel.
func (s *geminiSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

// emitClosed must not block: the consumer may already be gone when the
// connection dies.
func (s *geminiSession) emitClosed() {
	select {
	case s.events <- Event{Type: EventClosed, Timestamp: time.Now().UnixMilli()}:
	default:
	}
}
