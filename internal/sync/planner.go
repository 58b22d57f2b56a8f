package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// State is a sync planner state for one entity run.
type State string

const (
	StateIdle          State = "idle"
	StateFetching      State = "fetching"
	StatePaginating    State = "paginating"
	StateCheckpointing State = "checkpointing"
	StateFailed        State = "failed"
)

// RunStats summarizes one entity run.
type RunStats struct {
	Rows        int
	Skipped     int
	Checkpoints int
	// Cursor is the last committed cursor: the new position after a clean
	// run, or the untouched pre-run position after a failure.
	Cursor Cursor
}

// Planner drives the sync state machine for a single entity:
//
//	Idle -> Fetching -> Paginating -> (Fetching ...) -> Checkpointing -> Idle
//
// with Failed reachable from Fetching and Paginating on fatal errors. A run
// is strictly sequential; continuation tokens form a chain, so pages must
// not be fetched in parallel or cursor advancement loses its meaning.
type Planner struct {
	entity  Entity
	fetcher PageFetcher
	retrier *Retrier
	mapper  *Mapper
	cursors CursorStore
	emitter *Emitter

	state       State
	startCursor Cursor
	maxSeen     time.Time
	skipped     int

	now func() time.Time
}

// NewPlanner wires a planner for one entity. The emitter is created here so
// its cursor candidate callback stays coupled to this planner's bookkeeping.
func NewPlanner(entity Entity, fetcher PageFetcher, retrier *Retrier, mapper *Mapper, sink Sink, cursors CursorStore, emitCfg EmitterConfig) *Planner {
	p := &Planner{
		entity:  entity,
		fetcher: fetcher,
		retrier: retrier,
		mapper:  mapper,
		cursors: cursors,
		state:   StateIdle,
		now:     time.Now,
	}
	p.emitter = NewEmitter(entity, sink, cursors, emitCfg, p.cursorCandidate)
	return p
}

// State returns the planner's current state.
func (p *Planner) State() State { return p.state }

// cursorCandidate is the highest position safe to commit alongside the rows
// buffered so far: the maximum ordering value among them. Records at exactly
// this value may continue on a page not yet fetched; because the fetch
// window is inclusive of the cursor, the next run re-fetches the boundary
// value and the sink upsert absorbs the duplicates. The cursor therefore
// never advances past a value whose records might be split across pages.
//
// The candidate is clamped to the cursor the run started from, so an
// upstream replaying rows older than the committed position cannot drag the
// watermark backwards on any flush, intermediate or final.
func (p *Planner) cursorCandidate() Cursor {
	cand := Cursor{Position: p.maxSeen}
	if p.maxSeen.IsZero() || cand.Before(p.startCursor) {
		return p.startCursor
	}
	return cand
}

// Run executes one full sync pass for the entity and returns its stats. On
// error the cursor is guaranteed to be exactly where it was before the run.
func (p *Planner) Run(ctx context.Context) (RunStats, error) {
	runStart := p.now().UTC()

	cur, err := p.cursors.Load(ctx, p.entity.ID)
	if err != nil {
		p.state = StateFailed
		return RunStats{}, &CommitError{Err: err}
	}
	p.startCursor = cur
	p.maxSeen = time.Time{}

	log.Info().
		Str("entity", p.entity.ID).
		Str("cursor", cur.String()).
		Msg("sync started")

	var page Page
	pageToken := ""
	p.state = StateFetching

	for {
		switch p.state {
		case StateFetching:
			page, err = p.retrier.Fetch(ctx, p.fetcher, p.entity, cur, pageToken)
			if err != nil {
				return p.fail(err)
			}
			if len(page.Records) == 0 && page.NextPageToken == "" {
				p.state = StateCheckpointing
				continue
			}
			p.state = StatePaginating

		case StatePaginating:
			rows, mapErrs, err := p.mapper.MapPage(p.entity, page)
			p.recordSkips(mapErrs)
			if err != nil {
				return p.fail(err)
			}
			for _, row := range rows {
				if err := p.emitter.Add(ctx, row); err != nil {
					return p.fail(err)
				}
				if row.ObservedAt.After(p.maxSeen) {
					p.maxSeen = row.ObservedAt
				}
			}

			pageToken = page.NextPageToken
			if pageToken != "" {
				p.state = StateFetching
			} else {
				p.state = StateCheckpointing
			}

		case StateCheckpointing:
			cand := p.cursorCandidate()
			if p.maxSeen.IsZero() {
				// Nothing new in the window: advance the watermark to the
				// run start so an idle stream does not re-scan the same
				// window forever.
				cand = Cursor{Position: runStart}
			}
			if cand.Before(p.startCursor) {
				cand = p.startCursor
			}
			if err := p.emitter.Flush(ctx, cand); err != nil {
				return p.fail(err)
			}

			p.state = StateIdle
			stats := p.stats(cand)
			log.Info().
				Str("entity", p.entity.ID).
				Int("rows", stats.Rows).
				Int("skipped", stats.Skipped).
				Int("checkpoints", stats.Checkpoints).
				Str("cursor", cand.String()).
				Msg("sync completed")
			return stats, nil
		}
	}
}

func (p *Planner) fail(err error) (RunStats, error) {
	p.state = StateFailed
	return p.stats(p.lastCommitted()), err
}

// lastCommitted is the cursor value downstream actually holds: the start
// cursor unless an intermediate flush already advanced it.
func (p *Planner) lastCommitted() Cursor {
	if p.emitter.Flushes() == 0 {
		return p.startCursor
	}
	return p.emitter.LastCommitted()
}

func (p *Planner) recordSkips(mapErrs []*MappingError) {
	p.skipped += len(mapErrs)
	for _, me := range mapErrs {
		log.Warn().Str("entity", p.entity.ID).Err(me).Msg("record skipped")
	}
}

func (p *Planner) stats(cursor Cursor) RunStats {
	return RunStats{
		Rows:        p.emitter.Emitted(),
		Skipped:     p.skipped,
		Checkpoints: p.emitter.Flushes(),
		Cursor:      cursor,
	}
}
