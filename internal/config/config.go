package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/weather-sync/internal/sync"
)

var validate = validator.New()

// AppConfig is the full configuration surface of the connector.
type AppConfig struct {
	WeatherAPIKey string

	// Sources to sync each location from ("openmeteo", "weatherapi").
	Sources []string `validate:"required,min=1,dive,oneof=openmeteo weatherapi"`

	// Locations to track.
	Locations []sync.Location `validate:"required,min=1"`

	// SyncInterval controls how often a scheduled sync run starts.
	SyncInterval time.Duration `validate:"gt=0"`
	// RunTimeout bounds one whole sync run across all entities.
	RunTimeout time.Duration `validate:"gt=0"`

	HTTPTimeout time.Duration `validate:"gt=0"`

	// FetchWindow is the span one page request covers; FetchLookback bounds
	// the first sync of an entity with no cursor yet.
	FetchWindow   time.Duration `validate:"gt=0"`
	FetchLookback time.Duration `validate:"gt=0"`

	// Batch emitter limits: flush on either bound, whichever first.
	BatchMaxRows int           `validate:"min=1"`
	BatchMaxAge  time.Duration `validate:"gt=0"`

	// Retry/backoff for transient fetch failures.
	RetryMaxRetries      int           `validate:"min=0"`
	RetryInitialInterval time.Duration `validate:"gt=0"`
	RetryMaxInterval     time.Duration `validate:"gte=0"`

	// MappingErrorThreshold is the tolerated number of unmappable records
	// per page before the entity sync fails.
	MappingErrorThreshold int `validate:"min=0"`

	// SQLitePath is the sink database. Empty selects the in-memory store.
	SQLitePath string

	Port string `validate:"required"`
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}

	cfg.WeatherAPIKey = os.Getenv("WEATHERAPI_API_KEY")
	cfg.Sources = splitList(getenvDefault("SYNC_SOURCES", "openmeteo"))

	var err error
	if cfg.SyncInterval, err = getenvDuration("SYNC_INTERVAL", "15m"); err != nil {
		return nil, err
	}
	if cfg.RunTimeout, err = getenvDuration("RUN_TIMEOUT", "5m"); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.FetchWindow, err = getenvDuration("FETCH_WINDOW", "168h"); err != nil {
		return nil, err
	}
	if cfg.FetchLookback, err = getenvDuration("FETCH_LOOKBACK", "720h"); err != nil {
		return nil, err
	}
	if cfg.BatchMaxAge, err = getenvDuration("BATCH_MAX_AGE", "30s"); err != nil {
		return nil, err
	}
	if cfg.RetryInitialInterval, err = getenvDuration("RETRY_INITIAL_INTERVAL", "500ms"); err != nil {
		return nil, err
	}
	if cfg.RetryMaxInterval, err = getenvDuration("RETRY_MAX_INTERVAL", "5s"); err != nil {
		return nil, err
	}

	cfg.BatchMaxRows = getenvInt("BATCH_MAX_ROWS", 500)
	cfg.RetryMaxRetries = getenvInt("RETRY_MAX_RETRIES", 3)
	cfg.MappingErrorThreshold = getenvInt("MAPPING_ERROR_THRESHOLD", 10)

	cfg.SQLitePath = getenvDefault("SQLITE_PATH", "weather-sync.db")
	cfg.Port = getenvDefault("PORT", "8080")

	locs, err := loadLocations()
	if err != nil {
		return nil, err
	}
	cfg.Locations = locs

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadLocations parses the comma-separated location lists. City and country
// lists must be the same length; lat/lon lists are optional but must match
// the city list length when provided.
func loadLocations() ([]sync.Location, error) {
	cities := splitList(os.Getenv("WEATHER_LOCATION_CITY"))
	countries := splitList(os.Getenv("WEATHER_LOCATION_COUNTRY"))
	lats := splitList(os.Getenv("WEATHER_LOCATION_LAT"))
	lons := splitList(os.Getenv("WEATHER_LOCATION_LON"))

	if len(cities) != len(countries) {
		return nil, fmt.Errorf("number of cities and countries must be the same")
	}
	if len(lats) != len(lons) {
		return nil, fmt.Errorf("number of latitudes and longitudes must be the same")
	}
	if len(lats) > 0 && len(lats) != len(cities) {
		return nil, fmt.Errorf("number of coordinates must match number of cities")
	}

	var locs []sync.Location
	for i := range cities {
		loc := sync.Location{
			City:    cities[i],
			Country: countries[i],
		}
		if len(lats) > 0 {
			lat, err := strconv.ParseFloat(lats[i], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid latitude %q: %w", lats[i], err)
			}
			lon, err := strconv.ParseFloat(lons[i], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid longitude %q: %w", lons[i], err)
			}
			loc.Lat = &lat
			loc.Lon = &lon
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	v := getenvDefault(key, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
