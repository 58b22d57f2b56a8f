package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two full pages followed by a token-less page: all rows land in one
// checkpoint and the cursor ends at the maximum observed timestamp.
func TestPlannerPaginatesAndCheckpoints(t *testing.T) {
	var page1, page2 []RawRecord
	for h := 0; h < 100; h++ {
		page1 = append(page1, obs(h, 20.0))
	}
	for h := 100; h < 150; h++ {
		page2 = append(page2, obs(h, 21.0))
	}

	fetcher := &scriptedFetcher{script: []fetchResult{
		{page: pageOf("page-2", page1...)},
		{page: pageOf("", page2...)},
	}}
	st := newFakeStore()
	entity := testEntity()

	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 1000})
	stats, err := planner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateIdle, planner.State())
	assert.Equal(t, 150, stats.Rows)
	assert.Equal(t, 1, stats.Checkpoints)
	assert.Equal(t, obsTime(149), stats.Cursor.Position)
	assert.Equal(t, 150, st.rowCount(entity.ID))
	assert.Equal(t, []string{"", "page-2"}, fetcher.gotTokens)

	cur, err := st.Load(context.Background(), entity.ID)
	require.NoError(t, err)
	assert.Equal(t, obsTime(149), cur.Position)
}

// Replaying the same pages from the same cursor produces identical rows and
// an identical new cursor.
func TestPlannerDeterministicReplay(t *testing.T) {
	script := []fetchResult{
		{page: pageOf("next", obs(0, 18.5), obs(1, 18.8))},
		{page: pageOf("", obs(2, 19.1))},
	}
	entity := testEntity()

	run := func() (RunStats, map[string]Row) {
		st := newFakeStore()
		planner := newTestPlanner(entity, &scriptedFetcher{script: script}, st, EmitterConfig{MaxRows: 100})
		stats, err := planner.Run(context.Background())
		require.NoError(t, err)
		return stats, st.rows[entity.ID]
	}

	stats1, rows1 := run()
	stats2, rows2 := run()

	assert.Equal(t, stats1.Cursor, stats2.Cursor)
	assert.Equal(t, stats1.Rows, stats2.Rows)
	assert.Equal(t, rows1, rows2)
}

// An entity with zero new records emits nothing and advances its watermark
// to the run start.
func TestPlannerEmptyWindowAdvancesWatermark(t *testing.T) {
	fetcher := &scriptedFetcher{script: []fetchResult{{page: Page{}}}}
	st := newFakeStore()
	entity := testEntity()

	runStart := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 10})
	planner.now = func() time.Time { return runStart }

	stats, err := planner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Rows)
	assert.Equal(t, runStart, stats.Cursor.Position)
	assert.Equal(t, 0, st.rowCount(entity.ID))

	cur, err := st.Load(context.Background(), entity.ID)
	require.NoError(t, err)
	assert.Equal(t, runStart, cur.Position)
}

// A fatal fetch aborts the run and leaves the cursor exactly where it was.
func TestPlannerFatalFetchLeavesCursorUnchanged(t *testing.T) {
	st := newFakeStore()
	entity := testEntity()
	before := Cursor{Position: obsTime(5)}
	st.cursors[entity.ID] = before

	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: FatalFetch(401, errors.New("unauthorized"))},
	}}

	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 10})
	stats, err := planner.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateFailed, planner.State())
	assert.Equal(t, ErrorKindFetch, KindOf(err))
	assert.Equal(t, before, stats.Cursor)

	cur, _ := st.Load(context.Background(), entity.ID)
	assert.Equal(t, before, cur)
	assert.Equal(t, 0, st.rowCount(entity.ID))
}

// A few unmappable records below the threshold are skipped and counted; the
// rest of the page still lands.
func TestPlannerMappingErrorsBelowThreshold(t *testing.T) {
	var records []RawRecord
	for h := 0; h < 100; h++ {
		if h%40 == 1 { // 3 of 100 records lack the required temperature
			records = append(records, RawRecord{"time": obsTime(h).Format(time.RFC3339)})
			continue
		}
		records = append(records, obs(h, 15.0))
	}

	fetcher := &scriptedFetcher{script: []fetchResult{{page: pageOf("", records...)}}}
	st := newFakeStore()
	entity := testEntity()

	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 1000})
	stats, err := planner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 97, stats.Rows)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, 97, st.rowCount(entity.ID))
}

// Exceeding the mapping threshold fails the sync without touching the cursor.
func TestPlannerMappingThresholdFatal(t *testing.T) {
	var records []RawRecord
	for h := 0; h < 5; h++ {
		records = append(records, RawRecord{"time": obsTime(h).Format(time.RFC3339)})
	}

	fetcher := &scriptedFetcher{script: []fetchResult{{page: pageOf("", records...)}}}
	st := newFakeStore()
	entity := testEntity()

	planner := NewPlanner(entity, fetcher, &Retrier{Backoff: testBackoff()},
		&Mapper{MaxErrorsPerPage: 2}, st, st, EmitterConfig{MaxRows: 10})
	_, err := planner.Run(context.Background())

	require.ErrorIs(t, err, ErrMappingThreshold)
	assert.Equal(t, ErrorKindMapping, KindOf(err))
	assert.Equal(t, 0, st.rowCount(entity.ID))

	cur, _ := st.Load(context.Background(), entity.ID)
	assert.True(t, cur.IsZero())
}

// A failed sink flush must not commit the cursor; the next run re-fetches
// the same window and delivery stays idempotent.
func TestPlannerSinkFailureThenCleanRetry(t *testing.T) {
	script := []fetchResult{{page: pageOf("", obs(0, 10.0), obs(1, 11.0))}}
	entity := testEntity()
	st := newFakeStore()

	st.failStage = errors.New("sink unavailable")
	planner := newTestPlanner(entity, &scriptedFetcher{script: script}, st, EmitterConfig{MaxRows: 10})
	_, err := planner.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, ErrorKindCommit, KindOf(err))
	assert.Equal(t, 0, st.rowCount(entity.ID))
	cur, _ := st.Load(context.Background(), entity.ID)
	assert.True(t, cur.IsZero())

	// Next scheduled run: sink is healthy again, same window re-fetched.
	st.failStage = nil
	planner = newTestPlanner(entity, &scriptedFetcher{script: script}, st, EmitterConfig{MaxRows: 10})
	stats, err := planner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, stats.Rows)
	assert.Equal(t, 2, st.rowCount(entity.ID))
	assert.Equal(t, obsTime(1), stats.Cursor.Position)
}

// Intermediate checkpoints never advance past the highest value already
// handed to the sink, even when equal timestamps straddle a page boundary;
// re-running from the committed cursor re-fetches the boundary and the
// keyed upsert absorbs the duplicates.
func TestPlannerBoundaryTieBreak(t *testing.T) {
	// Two records share hour 2, split across the page boundary.
	sameHourA := RawRecord{"time": obsTime(2).Format(time.RFC3339), "temperature_c": 20.0}
	sameHourB := RawRecord{"time": obsTime(2).Format(time.RFC3339), "temperature_c": 20.0, "humidity_pct": 60.0}

	fetcher := &scriptedFetcher{script: []fetchResult{
		{page: pageOf("more", obs(0, 19.0), obs(1, 19.5), sameHourA)},
		{page: pageOf("", sameHourB, obs(3, 21.0))},
	}}
	st := newFakeStore()
	entity := testEntity()

	// Tiny batches force several intermediate checkpoints.
	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 2})
	stats, err := planner.Run(context.Background())
	require.NoError(t, err)

	// Both same-hour records collapse into one key downstream.
	assert.Equal(t, 4, st.rowCount(entity.ID))
	assert.Equal(t, obsTime(3), stats.Cursor.Position)

	// Committed cursors are monotone and never pass the final max.
	var prev time.Time
	for _, c := range st.committed {
		assert.False(t, c.Position.Before(prev), "cursor regressed: %v after %v", c.Position, prev)
		assert.False(t, c.Position.After(obsTime(3)))
		prev = c.Position
	}
}

// Upstream replaying rows older than the committed cursor must not drag the
// cursor backwards.
func TestPlannerCursorNeverRegresses(t *testing.T) {
	st := newFakeStore()
	entity := testEntity()
	before := Cursor{Position: obsTime(10)}
	st.cursors[entity.ID] = before

	fetcher := &scriptedFetcher{script: []fetchResult{
		{page: pageOf("", obs(3, 12.0), obs(4, 12.5))},
	}}

	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 10})
	stats, err := planner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, before.Position, stats.Cursor.Position)

	cur, _ := st.Load(context.Background(), entity.ID)
	assert.Equal(t, before.Position, cur.Position)
}

// Size-triggered flushes inside a run are clamped the same way as the final
// checkpoint: replayed stale rows land via upsert, but no intermediate commit
// may carry a cursor behind the position the run started from.
func TestPlannerIntermediateFlushNeverRegresses(t *testing.T) {
	st := newFakeStore()
	entity := testEntity()
	before := Cursor{Position: obsTime(10)}
	st.cursors[entity.ID] = before

	fetcher := &scriptedFetcher{script: []fetchResult{
		{page: pageOf("more", obs(3, 12.0), obs(4, 12.5))},
		{page: pageOf("", obs(5, 13.0))},
	}}

	// MaxRows 1 forces a commit between every pair of rows.
	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 1})
	stats, err := planner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, before.Position, stats.Cursor.Position)

	require.NotEmpty(t, st.committed)
	for _, c := range st.committed {
		assert.False(t, c.Position.Before(before.Position),
			"intermediate commit regressed cursor to %v (started at %v)", c.Position, before.Position)
	}

	cur, _ := st.Load(context.Background(), entity.ID)
	assert.Equal(t, before.Position, cur.Position)
}

// Cancelling the run discards the in-flight batch without checkpointing.
func TestPlannerCancellation(t *testing.T) {
	st := newFakeStore()
	entity := testEntity()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &scriptedFetcher{script: []fetchResult{
		{page: pageOf("", obs(0, 14.0))},
	}}
	planner := newTestPlanner(entity, fetcher, st, EmitterConfig{MaxRows: 10})
	_, err := planner.Run(ctx)

	require.Error(t, err)
	assert.Equal(t, ErrorKindCanceled, KindOf(err))
	assert.Equal(t, 0, st.rowCount(entity.ID))
	cur, _ := st.Load(context.Background(), entity.ID)
	assert.True(t, cur.IsZero())
}
