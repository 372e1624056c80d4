package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := OpenWithDB(db)
	if err != nil {
		t.Fatalf("OpenWithDB: %v", err)
	}
	return s
}

func TestAppendAndFetchRecentTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, role := range []string{"user", "assistant", "user", "assistant"} {
		if _, err := s.AppendTurn(ctx, "u1", role, "msg"+string(rune('0'+i)), "chat", "default"); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	turns, err := s.FetchRecentTurns(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("FetchRecentTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Content != "msg3" {
		t.Fatalf("expected newest-first, got %q first", turns[0].Content)
	}
}

func TestCountTurnsForMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendTurn(ctx, "u2", "user", "a", "chat", "default")
	s.AppendTurn(ctx, "u2", "assistant", "b", "chat", "default")
	s.AppendTurn(ctx, "u2", "user", "c", "eval", "default")

	n, err := s.CountTurnsForMode(ctx, "u2", "chat")
	if err != nil {
		t.Fatalf("CountTurnsForMode: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 chat turns, got %d", n)
	}
}

func TestStoreAndSearchMemoryVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.StoreMemoryVector(ctx, "u3", "round_summary", "likes go", []float32{1, 0, 0}, nil); err != nil {
		t.Fatalf("StoreMemoryVector: %v", err)
	}
	if _, err := s.StoreMemoryVector(ctx, "u3", "round_summary", "likes rust", []float32{0, 1, 0}, nil); err != nil {
		t.Fatalf("StoreMemoryVector: %v", err)
	}

	results, err := s.SimilaritySearch(ctx, "u3", []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	if len(results) != 1 || results[0].Content != "likes go" {
		t.Fatalf("expected closest match 'likes go', got %+v", results)
	}
}

func TestRepeatedAppendsAreAllCounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.AppendTurn(ctx, "u4", "user", "m", "chat", "default"); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	n, err := s.CountTurnsForMode(ctx, "u4", "chat")
	if err != nil {
		t.Fatalf("CountTurnsForMode: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 turns, got %d", n)
	}
}
