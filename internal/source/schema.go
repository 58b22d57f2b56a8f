package source

import "github.com/i474232898/weather-sync/internal/sync"

// ObservationSchema declares the normalized hourly observation row emitted
// by every fetcher: the primary key is the observation timestamp (the entity
// already scopes location and source), and the same timestamp is the
// ordering value that drives cursor advancement. Temperature is the one
// field every upstream provides; the rest are nullable because coverage
// varies by provider.
func ObservationSchema() sync.Schema {
	return sync.Schema{
		Table:          "observations",
		OrderingColumn: "time",
		Columns: []sync.Column{
			{Name: "time", Type: sync.FieldTypeTimestamp, Required: true, PrimaryKey: true},
			{Name: "temperature_c", Type: sync.FieldTypeFloat, Required: true},
			{Name: "humidity_pct", Type: sync.FieldTypeFloat},
			{Name: "wind_speed_ms", Type: sync.FieldTypeFloat},
			{Name: "pressure_hpa", Type: sync.FieldTypeFloat},
			{Name: "precip_mm", Type: sync.FieldTypeFloat},
		},
	}
}
