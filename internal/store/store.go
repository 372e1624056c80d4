// Package store implements conversation-turn and memory-vector
// persistence over SQLite, in the style of internal/memory/sqlite.go:
// WAL journal mode, busy_timeout DSN, a migrate-on-open schema, and
// uuid-generated row ids.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brightloop/dispatchcore/internal/history"
	"github.com/brightloop/dispatchcore/internal/vectormath"
)

// SimilarityResult is one row returned by SimilaritySearch.
type SimilarityResult struct {
	Content    string
	Similarity float32
	CreatedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	mode TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	sequence_number INTEGER NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_user_mode ON turns(user_id, mode, timestamp);

CREATE TABLE IF NOT EXISTS memory_vectors (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding TEXT NOT NULL,
	created_at TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_memory_vectors_user ON memory_vectors(user_id, created_at);
`

// Store is the SQLite-backed Store port implementation.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite database at dbPath with
// WAL mode and a 5s busy timeout, and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenWithDB wraps an already-open *sql.DB (used by tests with
// modernc.org/sqlite, the pure-Go driver).
func OpenWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// AppendTurn inserts one conversation turn, assigning it the next
// sequence number for userID within the same transaction as the
// insert. The sequence number, not the timestamp, is the authoritative
// ordering: SQLite's TEXT timestamp storage cannot distinguish turns
// that land in the same millisecond.
func (s *Store) AppendTurn(ctx context.Context, userID, role, content, mode, agentType string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var nextSeq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM turns WHERE user_id = ?`, userID)
	if err := row.Scan(&nextSeq); err != nil {
		return "", fmt.Errorf("compute sequence number: %w", err)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, user_id, role, content, mode, agent_type, sequence_number, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, role, content, mode, agentType, nextSeq, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit turn insert: %w", err)
	}
	return id, nil
}

// FetchRecentTurns returns the limit most recent turns for userID,
// newest-first, satisfying both the Store port contract and
// history.TurnFetcher.
func (s *Store) FetchRecentTurns(ctx context.Context, userID string, limit int) ([]history.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, timestamp FROM turns WHERE user_id = ? ORDER BY sequence_number DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []history.Turn
	for rows.Next() {
		var t history.Turn
		var ts string
		if err := rows.Scan(&t.Role, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CountTurnsForMode counts turns for userID in the given mode,
// used by MemoryTriggerHook to compute the trigger cadence.
func (s *Store) CountTurnsForMode(ctx context.Context, userID, mode string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE user_id = ? AND mode = ?`, userID, mode)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return count, nil
}

// StoreMemoryVector persists a summarized memory plus its embedding.
// The embedding is stored as a JSON float array; SQLite (via either
// driver used in this project) has no native vector column type, and
// pulling in pgvector-for-sqlite for one column would be a heavier
// dependency than this core needs.
func (s *Store) StoreMemoryVector(ctx context.Context, userID, kind, content string, embedding []float32, metadata map[string]any) (string, error) {
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("marshal embedding: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_vectors (id, user_id, kind, content, embedding, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, kind, content, string(embJSON), time.Now().UTC().Format(time.RFC3339Nano), string(metaJSON))
	if err != nil {
		return "", fmt.Errorf("insert memory vector: %w", err)
	}
	return id, nil
}

// SimilaritySearch returns the topK memory vectors for userID most
// similar to queryEmbedding, using the cosine-similarity math in
// internal/vectormath.
func (s *Store) SimilaritySearch(ctx context.Context, userID string, queryEmbedding []float32, topK int) ([]SimilarityResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, embedding, created_at FROM memory_vectors WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memory vectors: %w", err)
	}
	defer rows.Close()

	var contents []string
	var createdAts []time.Time
	var vectors [][]float32
	for rows.Next() {
		var content, embJSON, ts string
		if err := rows.Scan(&content, &embJSON, &ts); err != nil {
			return nil, fmt.Errorf("scan memory vector row: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, ts)
		contents = append(contents, content)
		createdAts = append(createdAts, createdAt)
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top := vectormath.TopK(queryEmbedding, vectors, topK)
	results := make([]SimilarityResult, len(top))
	for i, t := range top {
		results[i] = SimilarityResult{
			Content:    contents[t.Index],
			Similarity: t.Score,
			CreatedAt:  createdAts[t.Index],
		}
	}
	return results, nil
}
