package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"
)

// scriptedFetcher replays a fixed sequence of fetch results and records the
// cursors and page tokens it was called with.
type scriptedFetcher struct {
	name   string
	script []fetchResult

	calls      int
	gotCursors []Cursor
	gotTokens  []string
}

type fetchResult struct {
	page Page
	err  error
}

func (f *scriptedFetcher) Name() string {
	if f.name == "" {
		return "scripted"
	}
	return f.name
}

func (f *scriptedFetcher) Fetch(ctx context.Context, entity Entity, cursor Cursor, pageToken string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	f.gotCursors = append(f.gotCursors, cursor)
	f.gotTokens = append(f.gotTokens, pageToken)

	if f.calls >= len(f.script) {
		return Page{}, nil
	}
	r := f.script[f.calls]
	f.calls++
	return r.page, r.err
}

// fakeStore is an in-memory Sink+CursorStore with failure injection. Staged
// batches only become visible on commit, mirroring the real stores.
type fakeStore struct {
	mu      gosync.Mutex
	rows    map[string]map[string]Row
	cursors map[string]Cursor
	staged  map[string]stagedFake

	failStage  error
	failCommit error

	committed []Cursor
}

type stagedFake struct {
	entityID string
	rows     []Row
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    make(map[string]map[string]Row),
		cursors: make(map[string]Cursor),
		staged:  make(map[string]stagedFake),
	}
}

func (s *fakeStore) Stage(ctx context.Context, entityID, token string, rows []Row) error {
	if s.failStage != nil {
		return s.failStage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Row, len(rows))
	copy(copied, rows)
	s.staged[token] = stagedFake{entityID: entityID, rows: copied}
	return nil
}

func (s *fakeStore) Discard(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, token)
}

func (s *fakeStore) Commit(ctx context.Context, entityID string, cursor Cursor, token string) error {
	if s.failCommit != nil {
		return s.failCommit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.staged[token]
	if !ok {
		return fmt.Errorf("unknown batch token %q", token)
	}
	delete(s.staged, token)

	table, ok := s.rows[entityID]
	if !ok {
		table = make(map[string]Row)
		s.rows[entityID] = table
	}
	for _, row := range batch.rows {
		table[row.Key] = row
	}
	s.cursors[entityID] = cursor
	s.committed = append(s.committed, cursor)
	return nil
}

func (s *fakeStore) Load(ctx context.Context, entityID string) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[entityID], nil
}

func (s *fakeStore) rowCount(entityID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[entityID])
}

// Test fixtures shared across the package.

func testSchema() Schema {
	return Schema{
		Table:          "observations",
		OrderingColumn: "time",
		Columns: []Column{
			{Name: "time", Type: FieldTypeTimestamp, Required: true, PrimaryKey: true},
			{Name: "temperature_c", Type: FieldTypeFloat, Required: true},
			{Name: "humidity_pct", Type: FieldTypeFloat},
		},
	}
}

func testEntity() Entity {
	return NewEntity("scripted", Location{City: "Berlin", Country: "DE"}, testSchema())
}

func testBackoff() BackoffConfig {
	return BackoffConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

// obs builds a raw record at hour h (offset from a fixed base) with the
// given temperature.
func obs(h int, temp float64) RawRecord {
	return RawRecord{
		"time":          obsTime(h).Format(time.RFC3339),
		"temperature_c": temp,
	}
}

func obsTime(h int) time.Time {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(h) * time.Hour)
}

func pageOf(token string, records ...RawRecord) Page {
	return Page{Records: records, NextPageToken: token}
}

func newTestPlanner(entity Entity, fetcher PageFetcher, st *fakeStore, emitCfg EmitterConfig) *Planner {
	return NewPlanner(
		entity,
		fetcher,
		&Retrier{Backoff: testBackoff()},
		&Mapper{MaxErrorsPerPage: 10},
		st,
		st,
		emitCfg,
	)
}
