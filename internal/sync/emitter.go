package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EmitterConfig bounds buffering in the batch emitter.
type EmitterConfig struct {
	// MaxRows flushes the buffer once it holds this many rows.
	MaxRows int
	// MaxAge flushes the buffer once this much time has passed since the
	// last flush, regardless of size, to bound staleness.
	MaxAge time.Duration
}

// Emitter buffers mapped rows and delivers them to the sink in batches,
// committing the cursor atomically with each delivered batch. A flush stages
// the rows under a fresh batch token, then asks the cursor store to commit
// the planner's cursor candidate together with that token; if either step
// fails the token is discarded and the cursor stays untouched.
type Emitter struct {
	entity  Entity
	sink    Sink
	cursors CursorStore
	cfg     EmitterConfig

	// candidate yields the highest cursor value that is safe to commit
	// alongside everything buffered so far. Supplied by the Planner.
	candidate func() Cursor

	buf           []Row
	lastFlush     time.Time
	flushes       int
	emitted       int
	lastCommitted Cursor

	now func() time.Time
}

// NewEmitter creates an Emitter for one entity. candidate is consulted at
// every flush for the cursor value covering the buffered rows.
func NewEmitter(entity Entity, sink Sink, cursors CursorStore, cfg EmitterConfig, candidate func() Cursor) *Emitter {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 500
	}
	e := &Emitter{
		entity:    entity,
		sink:      sink,
		cursors:   cursors,
		cfg:       cfg,
		candidate: candidate,
		now:       time.Now,
	}
	e.lastFlush = e.now()
	return e
}

// Add buffers a row, flushing first if either the row or age limit has been
// reached. A flush failure surfaces as a *CommitError and leaves the cursor
// unchanged.
func (e *Emitter) Add(ctx context.Context, row Row) error {
	if len(e.buf) >= e.cfg.MaxRows || (e.cfg.MaxAge > 0 && e.now().Sub(e.lastFlush) >= e.cfg.MaxAge) {
		if err := e.Flush(ctx, e.candidate()); err != nil {
			return err
		}
	}
	e.buf = append(e.buf, row)
	return nil
}

// Flush delivers the buffered rows and commits cursor atomically with them.
// Flushing with an empty buffer still commits the cursor, which is how a
// zero-record run advances its watermark. The buffer is cleared only after
// the commit succeeds; on failure the candidate cursor is discarded and the
// rows stay buffered for the caller to retry (in practice: the next run
// re-fetches them).
func (e *Emitter) Flush(ctx context.Context, cursor Cursor) error {
	token := uuid.NewString()

	if err := e.sink.Stage(ctx, e.entity.ID, token, e.buf); err != nil {
		e.sink.Discard(token)
		return &CommitError{Err: err}
	}
	if err := e.cursors.Commit(ctx, e.entity.ID, cursor, token); err != nil {
		e.sink.Discard(token)
		return &CommitError{Err: err}
	}

	e.emitted += len(e.buf)
	e.flushes++
	log.Debug().
		Str("entity", e.entity.ID).
		Int("rows", len(e.buf)).
		Str("cursor", cursor.String()).
		Msg("checkpoint committed")

	e.buf = e.buf[:0]
	e.lastFlush = e.now()
	e.lastCommitted = cursor
	return nil
}

// LastCommitted returns the cursor committed by the most recent flush.
func (e *Emitter) LastCommitted() Cursor { return e.lastCommitted }

// Buffered returns the number of rows waiting for the next flush.
func (e *Emitter) Buffered() int { return len(e.buf) }

// Emitted returns the number of rows durably delivered so far.
func (e *Emitter) Emitted() int { return e.emitted }

// Flushes returns the number of committed checkpoints so far.
func (e *Emitter) Flushes() int { return e.flushes }
