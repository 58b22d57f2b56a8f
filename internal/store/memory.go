package store

import (
	"context"
	"errors"
	gosync "sync"

	"github.com/i474232898/weather-sync/internal/sync"
)

var (
	// ErrUnknownBatch is returned when a commit references a batch token
	// that was never staged (or was already committed or discarded).
	ErrUnknownBatch = errors.New("unknown batch token")

	// ErrBatchEntityMismatch is returned when a commit pairs a cursor with
	// a batch staged for a different entity.
	ErrBatchEntityMismatch = errors.New("batch was staged for a different entity")
)

type stagedBatch struct {
	entityID string
	rows     []sync.Row
}

// MemoryStore is a concurrency-safe in-memory Sink and CursorStore. Staged
// batches become visible only when committed together with a cursor, which
// keeps the checkpoint invariant intact even without a real database. Used
// in tests and as the fallback when no SQLite path is configured.
type MemoryStore struct {
	mu gosync.RWMutex

	// key: entity ID -> row key -> row
	rows    map[string]map[string]sync.Row
	cursors map[string]sync.Cursor
	staged  map[string]stagedBatch
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]map[string]sync.Row),
		cursors: make(map[string]sync.Cursor),
		staged:  make(map[string]stagedBatch),
	}
}

// Stage buffers a batch under token without making it visible.
func (s *MemoryStore) Stage(ctx context.Context, entityID, token string, rows []sync.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]sync.Row, len(rows))
	copy(copied, rows)
	s.staged[token] = stagedBatch{entityID: entityID, rows: copied}
	return nil
}

// Discard drops a staged batch. Discarding an unknown token is a no-op.
func (s *MemoryStore) Discard(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, token)
}

// Commit upserts the staged rows and records the cursor in one critical
// section: either both become visible or neither does.
func (s *MemoryStore) Commit(ctx context.Context, entityID string, cursor sync.Cursor, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.staged[token]
	if !ok {
		return ErrUnknownBatch
	}
	if batch.entityID != entityID {
		return ErrBatchEntityMismatch
	}
	delete(s.staged, token)

	table, ok := s.rows[entityID]
	if !ok {
		table = make(map[string]sync.Row)
		s.rows[entityID] = table
	}
	for _, row := range batch.rows {
		table[row.Key] = row
	}
	s.cursors[entityID] = cursor
	return nil
}

// Load returns the committed cursor for an entity, or the initial cursor
// when the entity has never checkpointed.
func (s *MemoryStore) Load(ctx context.Context, entityID string) (sync.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return sync.Cursor{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[entityID], nil
}

// Rows returns the committed rows for an entity, keyed by primary key.
func (s *MemoryStore) Rows(entityID string) map[string]sync.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]sync.Row, len(s.rows[entityID]))
	for k, v := range s.rows[entityID] {
		out[k] = v
	}
	return out
}
