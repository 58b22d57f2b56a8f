package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Report is the structured per-entity outcome of one sync run.
type Report struct {
	RunID          string    `json:"runId"`
	EntityID       string    `json:"entityId"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Rows           int       `json:"rows"`
	Skipped        int       `json:"skipped"`
	Checkpoints    int       `json:"checkpoints"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	Message        string    `json:"message,omitempty"`
	LastGoodCursor string    `json:"lastGoodCursor"`
}

// Failed reports whether the run ended in error.
func (r Report) Failed() bool { return r.ErrorKind != ErrorKindNone }

// EngineConfig bundles the tunables shared by all entities.
type EngineConfig struct {
	Backoff          BackoffConfig
	Emitter          EmitterConfig
	MaxErrorsPerPage int
}

// Engine runs incremental syncs for a set of entities. Entities sync
// concurrently in independent tasks: pagination within one entity is
// sequential, but one entity's fatal failure never aborts the others. The
// cursor store serializes commits per entity, so the only shared mutable
// state between tasks lives behind it.
type Engine struct {
	fetchers map[string]PageFetcher
	sink     Sink
	cursors  CursorStore
	entities []Entity
	cfg      EngineConfig

	mu          gosync.Mutex
	lastReports []Report
}

// NewEngine creates an Engine. Each entity's Source must match the Name of
// one of the given fetchers.
func NewEngine(fetchers []PageFetcher, sink Sink, cursors CursorStore, entities []Entity, cfg EngineConfig) *Engine {
	byName := make(map[string]PageFetcher, len(fetchers))
	for _, f := range fetchers {
		byName[f.Name()] = f
	}
	return &Engine{
		fetchers: byName,
		sink:     sink,
		cursors:  cursors,
		entities: entities,
		cfg:      cfg,
	}
}

// Entities returns the configured entity set.
func (e *Engine) Entities() []Entity {
	out := make([]Entity, len(e.entities))
	copy(out, e.entities)
	return out
}

// Run syncs the selected entities (all when ids is empty) and returns one
// report per entity. Cancellation of ctx discards in-flight batches without
// checkpointing; the next run resumes from the last committed cursor.
func (e *Engine) Run(ctx context.Context, ids []string) []Report {
	entities := e.selectEntities(ids)
	reports := make([]Report, len(entities))

	var wg gosync.WaitGroup
	for i, entity := range entities {
		wg.Add(1)
		go func(i int, entity Entity) {
			defer wg.Done()
			reports[i] = e.runEntity(ctx, entity)
		}(i, entity)
	}
	wg.Wait()

	e.mu.Lock()
	e.lastReports = reports
	e.mu.Unlock()
	return reports
}

func (e *Engine) runEntity(ctx context.Context, entity Entity) Report {
	report := Report{
		RunID:     uuid.NewString(),
		EntityID:  entity.ID,
		StartedAt: time.Now().UTC(),
	}

	fetcher, ok := e.fetchers[entity.Source]
	if !ok {
		report.FinishedAt = time.Now().UTC()
		report.ErrorKind = ErrorKindFetch
		report.Message = fmt.Sprintf("no fetcher registered for source %q", entity.Source)
		return report
	}

	planner := NewPlanner(
		entity,
		fetcher,
		&Retrier{Backoff: e.cfg.Backoff},
		&Mapper{MaxErrorsPerPage: e.cfg.MaxErrorsPerPage},
		e.sink,
		e.cursors,
		e.cfg.Emitter,
	)

	stats, err := planner.Run(ctx)
	report.FinishedAt = time.Now().UTC()
	report.Rows = stats.Rows
	report.Skipped = stats.Skipped
	report.Checkpoints = stats.Checkpoints
	report.LastGoodCursor = stats.Cursor.String()

	if err != nil {
		report.ErrorKind = KindOf(err)
		report.Message = err.Error()
		log.Error().
			Str("entity", entity.ID).
			Str("kind", string(report.ErrorKind)).
			Str("lastGoodCursor", report.LastGoodCursor).
			Err(err).
			Msg("sync failed")
	}
	return report
}

func (e *Engine) selectEntities(ids []string) []Entity {
	if len(ids) == 0 {
		return e.entities
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Entity
	for _, entity := range e.entities {
		if want[entity.ID] {
			out = append(out, entity)
		}
	}
	return out
}

// LastReports returns the reports from the most recent run.
func (e *Engine) LastReports() []Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Report, len(e.lastReports))
	copy(out, e.lastReports)
	return out
}

// Cursors loads the committed cursor for every configured entity.
func (e *Engine) Cursors(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(e.entities))
	for _, entity := range e.entities {
		cur, err := e.cursors.Load(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		out[entity.ID] = cur.String()
	}
	return out, nil
}
