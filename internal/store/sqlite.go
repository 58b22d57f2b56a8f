package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/i474232898/weather-sync/internal/sync"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS observations (
	entity_id  TEXT NOT NULL,
	record_key TEXT NOT NULL,
	observed_at TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (entity_id, record_key)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	entity_id    TEXT PRIMARY KEY,
	position     TEXT NOT NULL,
	committed_at TEXT NOT NULL
);
`

type stagedTx struct {
	tx       *sql.Tx
	entityID string
}

// SQLiteStore persists observations and cursors in one SQLite database, so a
// batch and its cursor commit inside a single transaction: the checkpoint
// can never move ahead of the data it covers. Rows are upserted by
// (entity_id, record_key), which is what makes re-delivery after a crash
// idempotent.
//
// SQLite allows a single writer, so staged batches are serialized: Stage
// acquires the writer slot and Commit or Discard releases it. Every Stage
// must therefore be paired with exactly one Commit or Discard.
type SQLiteStore struct {
	db *sql.DB

	writer chan struct{}

	mu     gosync.Mutex
	staged map[string]*stagedTx
}

// OpenSQLite opens (creating if necessary) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	writer := make(chan struct{}, 1)
	writer <- struct{}{}
	return &SQLiteStore{
		db:     db,
		writer: writer,
		staged: make(map[string]*stagedTx),
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Stage opens a transaction for the batch and upserts the rows into it. The
// rows stay invisible until Commit pairs them with a cursor.
func (s *SQLiteStore) Stage(ctx context.Context, entityID, token string, rows []sync.Row) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.writer:
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.release()
		return fmt.Errorf("begin batch: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, row := range rows {
		payload, err := json.Marshal(row.Values)
		if err != nil {
			tx.Rollback()
			s.release()
			return fmt.Errorf("encode row %s: %w", row.Key, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO observations (entity_id, record_key, observed_at, payload, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (entity_id, record_key) DO UPDATE SET
				observed_at = excluded.observed_at,
				payload     = excluded.payload,
				updated_at  = excluded.updated_at`,
			entityID, row.Key, row.ObservedAt.UTC().Format(time.RFC3339), string(payload), now)
		if err != nil {
			tx.Rollback()
			s.release()
			return fmt.Errorf("upsert row %s: %w", row.Key, err)
		}
	}

	s.mu.Lock()
	s.staged[token] = &stagedTx{tx: tx, entityID: entityID}
	s.mu.Unlock()
	return nil
}

// Discard rolls back a staged batch. Unknown tokens are a no-op so callers
// can discard unconditionally on error paths.
func (s *SQLiteStore) Discard(token string) {
	s.mu.Lock()
	staged, ok := s.staged[token]
	delete(s.staged, token)
	s.mu.Unlock()

	if !ok {
		return
	}
	staged.tx.Rollback()
	s.release()
}

// Commit writes the cursor into the staged transaction and commits it,
// making the batch and the new cursor visible atomically.
func (s *SQLiteStore) Commit(ctx context.Context, entityID string, cursor sync.Cursor, token string) error {
	s.mu.Lock()
	staged, ok := s.staged[token]
	delete(s.staged, token)
	s.mu.Unlock()

	if !ok {
		return ErrUnknownBatch
	}
	defer s.release()

	if staged.entityID != entityID {
		staged.tx.Rollback()
		return ErrBatchEntityMismatch
	}

	_, err := staged.tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_id, position, committed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			position     = excluded.position,
			committed_at = excluded.committed_at`,
		entityID, cursor.String(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		staged.tx.Rollback()
		return fmt.Errorf("write cursor: %w", err)
	}

	if err := staged.tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Load returns the committed cursor for an entity, or the initial cursor
// when the entity has never checkpointed.
func (s *SQLiteStore) Load(ctx context.Context, entityID string) (sync.Cursor, error) {
	var position string
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM sync_cursors WHERE entity_id = ?`, entityID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return sync.Cursor{}, nil
	}
	if err != nil {
		return sync.Cursor{}, fmt.Errorf("load cursor: %w", err)
	}
	return sync.ParseCursor(position)
}

// Rows returns the committed rows for an entity, keyed by primary key.
func (s *SQLiteStore) Rows(ctx context.Context, entityID string) (map[string]sync.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_key, observed_at, payload FROM observations WHERE entity_id = ?`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sync.Row)
	for rows.Next() {
		var key, observedAt, payload string
		if err := rows.Scan(&key, &observedAt, &payload); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339, observedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt observed_at for %s: %w", key, err)
		}
		var values map[string]any
		if err := json.Unmarshal([]byte(payload), &values); err != nil {
			return nil, fmt.Errorf("corrupt payload for %s: %w", key, err)
		}
		out[key] = sync.Row{Key: key, Values: values, ObservedAt: ts}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) release() {
	s.writer <- struct{}{}
}
