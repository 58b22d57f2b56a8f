package sync

import (
	"fmt"
	"time"
)

// Location identifies the place an entity's observations are measured at.
// City/Country must be provided; Lat/Lon are optional and only needed by
// fetchers that query by coordinates.
type Location struct {
	City    string   `json:"city"`
	Country string   `json:"country"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
}

// Key returns a canonical string key for this location.
func (l Location) Key() string {
	return l.City + ":" + l.Country
}

// Entity is one independently synced logical resource, e.g. "hourly
// observations for Berlin from open-meteo". Each entity has its own cursor
// and its own failure domain.
type Entity struct {
	// ID is the stable identifier used to key cursors and sink rows.
	ID string `json:"id"`

	// Source names the PageFetcher responsible for this entity.
	Source string `json:"source"`

	Location Location `json:"location"`
	Schema   Schema   `json:"-"`
}

// NewEntity derives a stable entity ID from source and location.
func NewEntity(source string, loc Location, schema Schema) Entity {
	return Entity{
		ID:       fmt.Sprintf("%s/%s", source, loc.Key()),
		Source:   source,
		Location: loc,
		Schema:   schema,
	}
}

// Cursor is the durable per-entity sync position: the ordering timestamp up
// to which data has been durably emitted. The zero value is the initial
// cursor for an entity that has never synced.
//
// A cursor only ever advances after the rows it covers are confirmed
// persisted, never speculatively.
type Cursor struct {
	Position time.Time `json:"position"`
}

// IsZero reports whether this is the initial cursor.
func (c Cursor) IsZero() bool {
	return c.Position.IsZero()
}

// Before reports whether c is strictly earlier than other.
func (c Cursor) Before(other Cursor) bool {
	return c.Position.Before(other.Position)
}

// String renders the cursor as RFC3339 UTC, or "" for the initial cursor.
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Position.UTC().Format(time.RFC3339)
}

// ParseCursor is the inverse of String. An empty string is the initial cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return Cursor{Position: ts.UTC()}, nil
}

// RawRecord is one unmapped upstream record as decoded from the API payload.
type RawRecord map[string]any

// Page is one fetch response: a bounded, ordered run of raw records plus an
// optional continuation token. An empty token signals end-of-stream for the
// current cursor window.
type Page struct {
	Records       []RawRecord
	NextPageToken string
}

// Row is a mapped, typed record ready for the sink. Key is derived from the
// schema's primary-key columns and, together with the entity ID, identifies
// the row for idempotent upsert.
type Row struct {
	Key        string         `json:"key"`
	Values     map[string]any `json:"values"`
	ObservedAt time.Time      `json:"observedAt"`
}
