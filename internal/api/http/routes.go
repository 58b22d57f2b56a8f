package httpapi

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/weather-sync/internal/sync"
)

var validate = validator.New()

// Runner is the sync engine surface exposed over HTTP.
type Runner interface {
	Run(ctx context.Context, ids []string) []sync.Report
	LastReports() []sync.Report
	Entities() []sync.Entity
	Cursors(ctx context.Context) (map[string]string, error)
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, runner Runner) {
	v1 := app.Group("/api/v1")

	// Trigger a sync run, optionally restricted to a subset of entities.
	// The run executes synchronously under its own deadline and the
	// per-entity reports are returned.
	v1.Post("/sync/run", func(c *fiber.Ctx) error {
		var req runRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		timeout := 5 * time.Minute
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}
		ctx, cancel := context.WithTimeout(c.Context(), timeout)
		defer cancel()

		reports := runner.Run(ctx, req.Entities)
		return c.JSON(fiber.Map{
			"reports": reports,
		})
	})

	// Last run reports plus the committed cursor per entity.
	v1.Get("/sync/status", func(c *fiber.Ctx) error {
		cursors, err := runner.Cursors(c.Context())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to load cursors")
		}
		return c.JSON(fiber.Map{
			"reports": runner.LastReports(),
			"cursors": cursors,
		})
	})

	v1.Get("/sync/entities", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"entities": runner.Entities(),
		})
	})
}

// runRequest is the body of POST /sync/run.
type runRequest struct {
	Entities       []string `json:"entities"`
	TimeoutSeconds int      `json:"timeoutSeconds" validate:"gte=0,lte=3600"`
}
