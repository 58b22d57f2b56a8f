package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(h int) Row {
	return Row{
		Key:        obsTime(h).Format(time.RFC3339),
		Values:     map[string]any{"temperature_c": 20.0},
		ObservedAt: obsTime(h),
	}
}

func TestEmitterFlushesOnRowLimit(t *testing.T) {
	st := newFakeStore()
	entity := testEntity()
	candidate := Cursor{Position: obsTime(1)}

	e := NewEmitter(entity, st, st, EmitterConfig{MaxRows: 2}, func() Cursor { return candidate })

	require.NoError(t, e.Add(context.Background(), row(0)))
	require.NoError(t, e.Add(context.Background(), row(1)))
	assert.Equal(t, 0, e.Flushes(), "no flush until the limit is exceeded")

	require.NoError(t, e.Add(context.Background(), row(2)))
	assert.Equal(t, 1, e.Flushes())
	assert.Equal(t, 2, st.rowCount(entity.ID))
	assert.Equal(t, 1, e.Buffered())

	cur, _ := st.Load(context.Background(), entity.ID)
	assert.Equal(t, candidate, cur)
}

func TestEmitterFlushesOnAge(t *testing.T) {
	st := newFakeStore()
	entity := testEntity()

	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	e := NewEmitter(entity, st, st, EmitterConfig{MaxRows: 100, MaxAge: time.Minute},
		func() Cursor { return Cursor{Position: obsTime(0)} })
	e.now = func() time.Time { return now }
	e.lastFlush = now

	require.NoError(t, e.Add(context.Background(), row(0)))
	assert.Equal(t, 0, e.Flushes())

	// Time passes beyond the age limit; the next Add flushes first.
	e.now = func() time.Time { return now.Add(2 * time.Minute) }
	require.NoError(t, e.Add(context.Background(), row(1)))
	assert.Equal(t, 1, e.Flushes())
	assert.Equal(t, 1, st.rowCount(entity.ID))
}

// A failed stage discards the cursor candidate, keeps the rows buffered and
// surfaces a CommitError.
func TestEmitterStageFailure(t *testing.T) {
	st := newFakeStore()
	st.failStage = errors.New("disk full")
	entity := testEntity()

	e := NewEmitter(entity, st, st, EmitterConfig{MaxRows: 10}, func() Cursor { return Cursor{} })
	require.NoError(t, e.Add(context.Background(), row(0)))

	err := e.Flush(context.Background(), Cursor{Position: obsTime(0)})
	var ce *CommitError
	require.ErrorAs(t, err, &ce)

	assert.Equal(t, 1, e.Buffered(), "rows stay buffered after a failed flush")
	assert.Equal(t, 0, st.rowCount(entity.ID))
	cur, _ := st.Load(context.Background(), entity.ID)
	assert.True(t, cur.IsZero())

	// Sink recovers: the same buffered rows flush cleanly.
	st.failStage = nil
	require.NoError(t, e.Flush(context.Background(), Cursor{Position: obsTime(0)}))
	assert.Equal(t, 0, e.Buffered())
	assert.Equal(t, 1, st.rowCount(entity.ID))
}

// A failed cursor commit rolls back the staged batch as well.
func TestEmitterCommitFailure(t *testing.T) {
	st := newFakeStore()
	st.failCommit = errors.New("cursor table locked")
	entity := testEntity()

	e := NewEmitter(entity, st, st, EmitterConfig{MaxRows: 10}, func() Cursor { return Cursor{} })
	require.NoError(t, e.Add(context.Background(), row(0)))

	err := e.Flush(context.Background(), Cursor{Position: obsTime(0)})
	var ce *CommitError
	require.ErrorAs(t, err, &ce)

	assert.Equal(t, 0, st.rowCount(entity.ID))
	assert.Empty(t, st.staged, "staged batch must be discarded on commit failure")
}

// Flushing an empty buffer still commits the cursor; that is how zero-record
// runs advance their watermark.
func TestEmitterEmptyFlushCommitsCursor(t *testing.T) {
	st := newFakeStore()
	entity := testEntity()

	e := NewEmitter(entity, st, st, EmitterConfig{MaxRows: 10}, func() Cursor { return Cursor{} })
	watermark := Cursor{Position: time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, e.Flush(context.Background(), watermark))

	assert.Equal(t, 0, st.rowCount(entity.ID))
	cur, _ := st.Load(context.Background(), entity.ID)
	assert.Equal(t, watermark, cur)
	assert.Equal(t, watermark, e.LastCommitted())
}
