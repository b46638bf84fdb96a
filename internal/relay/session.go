package relay

import (
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dmarchetti/vela/internal/upstream"
)

var (
	ErrAtCapacity = errors.New("relay at capacity")
	ErrConflict   = errors.New("session id already in use")
	ErrNotFound   = errors.New("session not found")
)

// Session is one live voice conversation: an upstream connection, its event
// relay, and the expiry bookkeeping. All mutable fields are guarded by the
// manager's lock; a session id maps to at most one live adapter at any time.
type Session struct {
	ID        string
	CreatedAt time.Time

	secretHash [sha256.Size]byte
	ready      bool
	closed     bool
	expiry     *time.Timer
	adapter    upstream.Session
	relay      *EventRelay

	// Transcription deltas accumulated between turn boundaries. The event
	// pump appends while a teardown path may flush, so these get their own
	// lock.
	transcriptMu        sync.Mutex
	userTranscript      strings.Builder
	assistantTranscript strings.Builder
}

func (s *Session) appendUserTranscript(delta string) {
	s.transcriptMu.Lock()
	s.userTranscript.WriteString(delta)
	s.transcriptMu.Unlock()
}

func (s *Session) appendAssistantTranscript(delta string) {
	s.transcriptMu.Lock()
	s.assistantTranscript.WriteString(delta)
	s.transcriptMu.Unlock()
}

func (s *Session) discardAssistantTranscript() {
	s.transcriptMu.Lock()
	s.assistantTranscript.Reset()
	s.transcriptMu.Unlock()
}

// takeTranscripts returns and clears the accumulated deltas.
func (s *Session) takeTranscripts() (user, assistant string) {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	user = s.userTranscript.String()
	assistant = s.assistantTranscript.String()
	s.userTranscript.Reset()
	s.assistantTranscript.Reset()
	return user, assistant
}

// CreateResult is returned to the client on session creation. The secret is
// shown exactly once; the relay keeps only its digest.
type CreateResult struct {
	ID        string    `json:"session_id"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}
