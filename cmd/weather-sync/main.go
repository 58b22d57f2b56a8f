package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	httpapi "github.com/i474232898/weather-sync/internal/api/http"
	"github.com/i474232898/weather-sync/internal/config"
	"github.com/i474232898/weather-sync/internal/scheduler"
	"github.com/i474232898/weather-sync/internal/source"
	"github.com/i474232898/weather-sync/internal/store"
	"github.com/i474232898/weather-sync/internal/sync"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Shared HTTP client for outbound fetches.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	// Sink and cursor store share one SQLite database so every checkpoint
	// commits rows and cursor in a single transaction.
	var (
		sink    sync.Sink
		cursors sync.CursorStore
	)
	if cfg.SQLitePath != "" {
		sqlStore, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open sqlite store")
		}
		defer sqlStore.Close()
		sink, cursors = sqlStore, sqlStore
	} else {
		memStore := store.NewMemoryStore()
		sink, cursors = memStore, memStore
	}

	fetchers := []sync.PageFetcher{
		source.NewOpenMeteoFetcher(httpClient, cfg.FetchWindow, cfg.FetchLookback),
		source.NewWeatherAPIFetcher(httpClient, cfg.WeatherAPIKey, cfg.FetchLookback),
	}

	// One entity per (source, location) pair, each with its own cursor.
	var entities []sync.Entity
	for _, src := range cfg.Sources {
		for _, loc := range cfg.Locations {
			entities = append(entities, sync.NewEntity(src, loc, source.ObservationSchema()))
		}
	}

	engine := sync.NewEngine(fetchers, sink, cursors, entities, sync.EngineConfig{
		Backoff: sync.BackoffConfig{
			MaxRetries:      cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
		},
		Emitter: sync.EmitterConfig{
			MaxRows: cfg.BatchMaxRows,
			MaxAge:  cfg.BatchMaxAge,
		},
		MaxErrorsPerPage: cfg.MappingErrorThreshold,
	})

	sched := scheduler.New(engine, cfg.SyncInterval, cfg.RunTimeout)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "weather-sync",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-sync",
		})
	})

	httpapi.RegisterRoutes(app, engine)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("fiber server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
}
