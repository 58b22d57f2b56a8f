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

// WeatherAPIName is the source name entities use to select this fetcher.
const WeatherAPIName = "weatherapi"

// WeatherAPIFetcher pulls hourly observations from WeatherAPI's history
// endpoint. History is served one calendar day per request, so each day is
// one page and the continuation token is the next day's date. Requires an
// API key; a missing or rejected key is a fatal fetch error.
type WeatherAPIFetcher struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker

	lookback time.Duration

	now func() time.Time
}

// NewWeatherAPIFetcher creates the fetcher. lookback falls back to 7 days
// when zero (WeatherAPI history depth is plan-limited).
func NewWeatherAPIFetcher(client *http.Client, apiKey string, lookback time.Duration) *WeatherAPIFetcher {
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	return &WeatherAPIFetcher{
		name:     WeatherAPIName,
		apiKey:   apiKey,
		baseURL:  "https://api.weatherapi.com/v1/history.json",
		client:   client,
		circuit:  newCircuitBreaker(WeatherAPIName),
		lookback: lookback,
		now:      time.Now,
	}
}

func (f *WeatherAPIFetcher) Name() string {
	return f.name
}

// Fetch returns the hours of one calendar day, starting at the cursor
// position (inclusive) on the first page and at midnight on continuation
// pages. Hours past "now" are excluded so the next run re-fetches the
// still-filling current day.
func (f *WeatherAPIFetcher) Fetch(ctx context.Context, entity sync.Entity, cursor sync.Cursor, pageToken string) (sync.Page, error) {
	if f.apiKey == "" {
		return sync.Page{}, sync.FatalFetch(0, fmt.Errorf("weatherapi api key is not configured"))
	}

	now := f.now().UTC()

	start := cursor.Position
	if pageToken != "" {
		day, err := time.Parse("2006-01-02", pageToken)
		if err != nil {
			return sync.Page{}, sync.FatalFetch(0, fmt.Errorf("malformed page token %q: %w", pageToken, err))
		}
		start = day
	}
	if start.IsZero() {
		start = now.Add(-f.lookback)
	}
	if start.After(now) {
		return sync.Page{}, nil
	}

	day := start.UTC().Truncate(24 * time.Hour)

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("key", f.apiKey)
		values.Set("q", locationQuery(entity.Location))
		values.Set("dt", day.Format("2006-01-02"))

		u := fmt.Sprintf("%s?%s", f.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doResilientRequest(ctx, f.client, f.circuit, buildRequest)
	if err != nil {
		return sync.Page{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Forecast struct {
			ForecastDay []struct {
				Hour []struct {
					TimeEpoch  int64    `json:"time_epoch"`
					TempC      *float64 `json:"temp_c"`
					Humidity   *float64 `json:"humidity"`
					WindKph    *float64 `json:"wind_kph"`
					PressureMb *float64 `json:"pressure_mb"`
					PrecipMm   *float64 `json:"precip_mm"`
				} `json:"hour"`
			} `json:"forecastday"`
		} `json:"forecast"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return sync.Page{}, sync.FatalFetch(0, fmt.Errorf("decode response: %w", err))
	}

	page := sync.Page{}
	for _, fd := range payload.Forecast.ForecastDay {
		for _, h := range fd.Hour {
			ts := time.Unix(h.TimeEpoch, 0).UTC()
			if ts.Before(start) || ts.After(now) {
				continue
			}

			record := sync.RawRecord{"time": float64(h.TimeEpoch)}
			record["temperature_c"] = deref(h.TempC)
			record["humidity_pct"] = deref(h.Humidity)
			record["pressure_hpa"] = deref(h.PressureMb)
			record["precip_mm"] = deref(h.PrecipMm)
			if h.WindKph != nil {
				record["wind_speed_ms"] = *h.WindKph / 3.6
			} else {
				record["wind_speed_ms"] = nil
			}
			page.Records = append(page.Records, record)
		}
	}

	nextDay := day.Add(24 * time.Hour)
	if nextDay.Before(now) {
		page.NextPageToken = nextDay.Format("2006-01-02")
	}
	return page, nil
}

func locationQuery(loc sync.Location) string {
	if loc.Lat != nil && loc.Lon != nil {
		return fmt.Sprintf("%f,%f", *loc.Lat, *loc.Lon)
	}
	return loc.City
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
