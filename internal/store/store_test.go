package store

import (
	"context"
	"fmt"
	"testing"
)

func TestInMemoryStoreSaveAndRetrieve(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.SaveTranscript(ctx, TranscriptRecord{
			SessionID: "sess-1",
			Role:      "user",
			Text:      fmt.Sprintf("utterance %d", i),
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	items, err := s.BySession(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("by session: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 records, got %d", len(items))
	}
	if items[0].Text != "utterance 0" || items[4].Text != "utterance 4" {
		t.Fatalf("records out of order: first=%q last=%q", items[0].Text, items[4].Text)
	}
	for _, r := range items {
		if r.ID == "" {
			t.Fatal("expected generated id")
		}
		if r.CreatedAt.IsZero() {
			t.Fatal("expected generated timestamp")
		}
	}
}

func TestInMemoryStoreLimitReturnsTail(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.SaveTranscript(ctx, TranscriptRecord{
			SessionID: "sess-1",
			Role:      "assistant",
			Text:      fmt.Sprintf("t%d", i),
		}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	items, err := s.BySession(ctx, "sess-1", 3)
	if err != nil {
		t.Fatalf("by session: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 records, got %d", len(items))
	}
	if items[0].Text != "t7" || items[2].Text != "t9" {
		t.Fatalf("expected most recent tail, got first=%q last=%q", items[0].Text, items[2].Text)
	}
}

func TestInMemoryStoreUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	items, err := s.BySession(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("by session: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no records, got %d", len(items))
	}
}

func TestInMemoryStoreIsolatesSessions(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	_ = s.SaveTranscript(ctx, TranscriptRecord{SessionID: "a", Role: "user", Text: "hello"})
	_ = s.SaveTranscript(ctx, TranscriptRecord{SessionID: "b", Role: "user", Text: "world"})

	items, err := s.BySession(ctx, "a", 0)
	if err != nil {
		t.Fatalf("by session: %v", err)
	}
	if len(items) != 1 || items[0].Text != "hello" {
		t.Fatalf("unexpected records for session a: %+v", items)
	}
}
