package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-sync/internal/sync"
)

// OpenMeteoName is the source name entities use to select this fetcher.
const OpenMeteoName = "openmeteo"

const openMeteoHourlyFields = "temperature_2m,relative_humidity_2m,wind_speed_10m,pressure_msl,precipitation"

// OpenMeteoFetcher pulls hourly observations from the Open-Meteo archive
// API. The API is windowed by date rather than paginated, so the fetcher
// chunks the cursor window into fixed spans and carries the next chunk start
// as the continuation token. No API key is required.
type OpenMeteoFetcher struct {
	name    string
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker

	// window is the span covered by a single page.
	window time.Duration
	// lookback bounds the first sync of an entity with no cursor yet.
	lookback time.Duration

	now func() time.Time
}

// NewOpenMeteoFetcher creates the fetcher. window and lookback fall back to
// 7 days and 30 days when zero.
func NewOpenMeteoFetcher(client *http.Client, window, lookback time.Duration) *OpenMeteoFetcher {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &OpenMeteoFetcher{
		name:     OpenMeteoName,
		baseURL:  "https://archive-api.open-meteo.com/v1/archive",
		client:   client,
		circuit:  newCircuitBreaker(OpenMeteoName),
		window:   window,
		lookback: lookback,
		now:      time.Now,
	}
}

func (f *OpenMeteoFetcher) Name() string {
	return f.name
}

// Fetch returns one window of hourly records. The window start is the
// continuation token when present, otherwise the cursor position (inclusive,
// so the record at the cursor boundary is fetched again and deduplicated
// downstream).
func (f *OpenMeteoFetcher) Fetch(ctx context.Context, entity sync.Entity, cursor sync.Cursor, pageToken string) (sync.Page, error) {
	if entity.Location.Lat == nil || entity.Location.Lon == nil {
		return sync.Page{}, sync.FatalFetch(0, fmt.Errorf("openmeteo requires latitude and longitude for %s", entity.ID))
	}

	now := f.now().UTC().Truncate(time.Hour)

	start := cursor.Position
	if pageToken != "" {
		ts, err := time.Parse(time.RFC3339, pageToken)
		if err != nil {
			return sync.Page{}, sync.FatalFetch(0, fmt.Errorf("malformed page token %q: %w", pageToken, err))
		}
		start = ts
	}
	if start.IsZero() {
		start = now.Add(-f.lookback)
	}
	if start.After(now) {
		return sync.Page{}, nil
	}

	end := start.Add(f.window)
	if end.After(now) {
		end = now
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", *entity.Location.Lat))
		values.Set("longitude", fmt.Sprintf("%f", *entity.Location.Lon))
		values.Set("start_date", start.Format("2006-01-02"))
		values.Set("end_date", end.Format("2006-01-02"))
		values.Set("hourly", openMeteoHourlyFields)
		values.Set("wind_speed_unit", "ms")
		values.Set("timezone", "UTC")

		u := fmt.Sprintf("%s?%s", f.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doResilientRequest(ctx, f.client, f.circuit, buildRequest)
	if err != nil {
		return sync.Page{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Hourly struct {
			Time               []string   `json:"time"`
			Temperature2m      []*float64 `json:"temperature_2m"`
			RelativeHumidity2m []*float64 `json:"relative_humidity_2m"`
			WindSpeed10m       []*float64 `json:"wind_speed_10m"`
			PressureMsl        []*float64 `json:"pressure_msl"`
			Precipitation      []*float64 `json:"precipitation"`
		} `json:"hourly"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return sync.Page{}, sync.FatalFetch(0, fmt.Errorf("decode response: %w", err))
	}

	page := sync.Page{}
	for i, raw := range payload.Hourly.Time {
		ts, err := time.Parse("2006-01-02T15:04", raw)
		if err != nil {
			// Let the mapper count it against the poison-page threshold
			// instead of dropping it silently here.
			page.Records = append(page.Records, sync.RawRecord{"time": raw})
			continue
		}
		ts = ts.UTC()
		// The API returns whole days; trim to the requested window.
		if ts.Before(start) || ts.After(end) {
			continue
		}

		record := sync.RawRecord{"time": raw}
		record["temperature_c"] = floatAt(payload.Hourly.Temperature2m, i)
		record["humidity_pct"] = floatAt(payload.Hourly.RelativeHumidity2m, i)
		record["wind_speed_ms"] = floatAt(payload.Hourly.WindSpeed10m, i)
		record["pressure_hpa"] = floatAt(payload.Hourly.PressureMsl, i)
		record["precip_mm"] = floatAt(payload.Hourly.Precipitation, i)
		page.Records = append(page.Records, record)
	}

	if end.Before(now) {
		page.NextPageToken = end.Add(time.Hour).UTC().Format(time.RFC3339)
	}
	return page, nil
}

// floatAt returns the i-th value as an interface, nil when absent so the
// mapper's null handling applies.
func floatAt(vals []*float64, i int) any {
	if i >= len(vals) || vals[i] == nil {
		return nil
	}
	return *vals[i]
}
