package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokligence/segment-relay/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig bounds the database/sql connection pool.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and connection pool settings.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
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
	id BIGSERIAL PRIMARY KEY,
	relay_id UUID NOT NULL,
	user_id TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	segments INTEGER NOT NULL,
	switches INTEGER NOT NULL,
	prompt_chars BIGINT NOT NULL,
	completion_chars BIGINT NOT NULL,
	outcome TEXT NOT NULL CHECK(outcome IN ('completed','segment_limit','canceled','error')),
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_relay_usage_user_created ON relay_usage(user_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_relay_usage_relay ON relay_usage(relay_id);
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (relay_id) DO NOTHING`

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
		created,
	}
}

// Record inserts a new usage entry. Re-recording a relay is a no-op.
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
	COUNT(*) FILTER (WHERE outcome = 'segment_limit')
FROM relay_usage
WHERE user_id = $1`, userID)

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
SELECT id, relay_id::text, user_id, email, model, segments, switches, prompt_chars, completion_chars, outcome, duration_ms, created_at
FROM relay_usage
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userID, limit)
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
