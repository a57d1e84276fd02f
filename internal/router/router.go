package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	OpsHandler *handler.OpsHandler
	// RequestsPerMinute caps ops API calls per client; zero uses the middleware default.
	RequestsPerMinute int
}

// Register wires the ops routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	}, middleware.RateLimit("ops", deps.RequestsPerMinute, time.Minute))

	if deps.OpsHandler != nil {
		deps.OpsHandler.Register(api)
	}
}
