package sync

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FieldType is the declared type of a schema column.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
)

// Column declares one field of an entity's row schema.
type Column struct {
	Name       string
	Type       FieldType
	Required   bool
	PrimaryKey bool
}

// Schema declares the shape of mapped rows for an entity: the sink table,
// the typed columns, and which column carries the ordering value that drives
// cursor advancement. The ordering column must be a required timestamp.
type Schema struct {
	Table          string
	Columns        []Column
	OrderingColumn string
}

// PrimaryKeyColumns returns the declared primary-key column names in order.
func (s Schema) PrimaryKeyColumns() []string {
	var keys []string
	for _, c := range s.Columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// Mapper converts raw upstream records into typed rows, applying type
// coercion and null handling per declared column. Rows that fail mapping are
// skipped and counted; a page whose failures exceed MaxErrorsPerPage fails
// the entity sync fatally so a poison page cannot silently drain a stream.
type Mapper struct {
	// MaxErrorsPerPage is the tolerated number of row mapping failures in a
	// single page before the sync is aborted. Zero means no tolerance.
	MaxErrorsPerPage int
}

// MapPage maps every record in the page. It returns the mapped rows and the
// per-row errors; the returned error is non-nil only when the threshold is
// exceeded, wrapping ErrMappingThreshold.
func (m *Mapper) MapPage(entity Entity, page Page) ([]Row, []*MappingError, error) {
	rows := make([]Row, 0, len(page.Records))
	var mapErrs []*MappingError

	for _, raw := range page.Records {
		row, err := m.mapRecord(entity.Schema, raw)
		if err != nil {
			var me *MappingError
			if !errors.As(err, &me) {
				me = &MappingError{Reason: err.Error()}
			}
			mapErrs = append(mapErrs, me)
			log.Debug().Str("entity", entity.ID).Str("reason", me.Reason).Msg("skipping unmappable record")

			if len(mapErrs) > m.MaxErrorsPerPage {
				return nil, mapErrs, fmt.Errorf("%w: %d failures in page (limit %d), last: %v",
					ErrMappingThreshold, len(mapErrs), m.MaxErrorsPerPage, me)
			}
			continue
		}
		rows = append(rows, row)
	}

	return rows, mapErrs, nil
}

func (m *Mapper) mapRecord(schema Schema, raw RawRecord) (Row, error) {
	values := make(map[string]any, len(schema.Columns))
	var keyParts []string
	var observedAt time.Time

	for _, col := range schema.Columns {
		v, present := raw[col.Name]
		if !present || v == nil {
			if col.Required {
				return Row{}, &MappingError{Column: col.Name, Reason: "missing required field"}
			}
			values[col.Name] = nil
			continue
		}

		coerced, err := coerce(v, col.Type)
		if err != nil {
			return Row{}, &MappingError{Column: col.Name, Reason: err.Error()}
		}
		values[col.Name] = coerced

		if col.PrimaryKey {
			keyParts = append(keyParts, fmt.Sprint(coerced))
		}
		if col.Name == schema.OrderingColumn {
			ts, ok := coerced.(time.Time)
			if !ok {
				return Row{}, &MappingError{Column: col.Name, Reason: "ordering column is not a timestamp"}
			}
			observedAt = ts
		}
	}

	if len(keyParts) == 0 {
		return Row{}, &MappingError{Reason: "schema declares no primary key columns"}
	}
	if observedAt.IsZero() {
		return Row{}, &MappingError{Column: schema.OrderingColumn, Reason: "missing ordering value"}
	}

	return Row{
		Key:        strings.Join(keyParts, "|"),
		Values:     values,
		ObservedAt: observedAt,
	}, nil
}

// coerce converts a decoded JSON value to the declared field type.
func coerce(v any, t FieldType) (any, error) {
	switch t {
	case FieldTypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case FieldTypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as float", x)
			}
			return f, nil
		}
	case FieldTypeInt:
		switch x := v.(type) {
		case float64:
			if x != float64(int64(x)) {
				return nil, fmt.Errorf("value %v is not integral", x)
			}
			return int64(x), nil
		case int:
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as int", x)
			}
			return n, nil
		}
	case FieldTypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as bool", x)
			}
			return b, nil
		}
	case FieldTypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return parseTimestamp(x)
		case float64:
			return time.Unix(int64(x), 0).UTC(), nil
		}
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
}

// parseTimestamp accepts RFC3339, the minute-resolution variant used by
// weather APIs, a bare date, or unix seconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as timestamp", s)
}
