package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/segment-relay/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS relay_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	relay_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	segments INTEGER NOT NULL,
	switches INTEGER NOT NULL,
	prompt_chars INTEGER NOT NULL,
	completion_chars INTEGER NOT NULL,
	outcome TEXT NOT NULL CHECK(outcome IN ('completed','segment_limit','canceled','error')),
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_relay_usage_user_created ON relay_usage(user_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

const insertEntry = `
INSERT INTO relay_usage(relay_id, user_id, email, model, segments, switches, prompt_chars, completion_chars, outcome, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func entryArgs(entry ledger.Entry) []any {
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return []any{
		entry.RelayID,
		entry.UserID,
		entry.Email,
		entry.Model,
		entry.Segments,
		entry.Switches,
		entry.PromptChars,
		entry.CompletionChars,
		string(entry.Outcome),
		entry.DurationMS,
		created.UTC(),
	}
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertEntry, entryArgs(entry)...)
	return err
}

// RecordBatch inserts entries in a single transaction.
func (s *Store) RecordBatch(ctx context.Context, entries []ledger.Entry) error {
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertEntry)
	if err != nil {
		return fmt.Errorf("prepare ledger batch: %w", err)
	}
	defer stmt.Close()
	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx, entryArgs(entry)...); err != nil {
			return fmt.Errorf("record relay %s: %w", entry.RelayID, err)
		}
	}
	return tx.Commit()
}

// Summary returns aggregated usage for the given user.
func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	if userID == "" {
		return ledger.Summary{}, errors.New("user id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(segments), 0),
	COALESCE(SUM(prompt_chars), 0),
	COALESCE(SUM(completion_chars), 0),
	COALESCE(SUM(CASE WHEN outcome='segment_limit' THEN 1 ELSE 0 END), 0)
FROM relay_usage
WHERE user_id = ?`, userID)

	var sum ledger.Summary
	if err := row.Scan(&sum.Relays, &sum.Segments, &sum.PromptChars, &sum.CompletionChars, &sum.SegmentLimitHits); err != nil {
		return ledger.Summary{}, err
	}
	return sum, nil
}

// ListRecent returns the latest entries for a user.
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if userID == "" {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, relay_id, user_id, email, model, segments, switches, prompt_chars, completion_chars, outcome, duration_ms, created_at
FROM relay_usage
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var outcome string
		if err := rows.Scan(&e.ID, &e.RelayID, &e.UserID, &e.Email, &e.Model, &e.Segments, &e.Switches,
			&e.PromptChars, &e.CompletionChars, &outcome, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = ledger.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
