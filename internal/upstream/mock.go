package upstream

import (
	"context"
	"sync"
	"time"
)

// MockDialer is a local fallback used when no Gemini API key is configured,
// and the test double for the relay. It acknowledges setup immediately and
// echoes a small scripted response per turn.
type MockDialer struct{}

func NewMockDialer() *MockDialer { return &MockDialer{} }

func (d *MockDialer) Dial(_ context.Context, _ string, _ string) (Session, <-chan Event, error) {
	events := make(chan Event, 64)
	s := &mockSession{events: events}
	events <- Event{Type: EventOpen, Timestamp: time.Now().UnixMilli()}
	return s, events, nil
}

type mockSession struct {
	mu     sync.Mutex
	events chan Event
	chunks int
	closed bool
}

func (s *mockSession) SendAudio(_ context.Context, audioBase64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if audioBase64 == "" {
		return nil
	}
	s.chunks++
	if s.chunks%16 == 0 {
		s.events <- Event{Type: EventInputTranscription, Text: "simulated voice input", Timestamp: time.Now().UnixMilli()}
	}
	return nil
}

func (s *mockSession) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	now := time.Now().UnixMilli()
	s.events <- Event{Type: EventText, Text: "echo: " + text, Timestamp: now}
	s.events <- Event{Type: EventTurnComplete, Timestamp: now}
	return nil
}

func (s *mockSession) SendAudioEnd(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.events <- Event{Type: EventTurnComplete, Timestamp: time.Now().UnixMilli()}
	return nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	select {
	case s.events <- Event{Type: EventClosed, Timestamp: time.Now().UnixMilli()}:
	default:
	}
	close(s.events)
	return nil
}
