package store

import (
	"context"
	"time"
)

// TranscriptRecord stores one committed user or assistant utterance.
type TranscriptRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversation transcripts. Session registry
// state is process-memory only; transcripts are the only thing that survives
// a restart.
type Store interface {
	SaveTranscript(ctx context.Context, record TranscriptRecord) error
	BySession(ctx context.Context, sessionID string, limit int) ([]TranscriptRecord, error)
	Close() error
}
