package sync

import "context"

// PageFetcher is the capability wrapping the external HTTP transport. It
// fetches one page of raw records for an entity starting at the cursor's
// window, continuing from pageToken when non-empty. Errors must be returned
// as *FetchError so the Retrier can classify them; anything else is treated
// as fatal.
//
// The window start is inclusive of the cursor position: records whose
// ordering value equals the cursor are returned again. Re-fetch of the
// boundary value is deliberate (see Planner) and deduplicated downstream by
// primary-key upsert.
type PageFetcher interface {
	Name() string
	Fetch(ctx context.Context, entity Entity, cursor Cursor, pageToken string) (Page, error)
}

// Sink accepts staged batches of typed rows for idempotent upsert. A staged
// batch is not visible downstream until the matching CursorStore.Commit with
// the same batch token succeeds; Discard rolls it back.
type Sink interface {
	Stage(ctx context.Context, entityID, batchToken string, rows []Row) error
	Discard(batchToken string)
}

// CursorStore is the durable per-entity sync position. Load returns the
// initial (zero) cursor for an unknown entity rather than an error. Commit
// makes the staged batch identified by batchToken and the new cursor visible
// atomically: either both land or neither does. Commit failures are reported
// to the caller, never retried internally.
type CursorStore interface {
	Load(ctx context.Context, entityID string) (Cursor, error)
	Commit(ctx context.Context, entityID string, cursor Cursor, batchToken string) error
}
