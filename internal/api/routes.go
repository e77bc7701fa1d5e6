package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/flowcheck/internal/security"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	Version           string
	RateLimitRequests int           // requests per window on /flowcheck/runs
	RateLimitWindow   time.Duration // time window
	PublicURL         string        // Base URL for full URLs in responses
	MaxRunTimeout     time.Duration
	MaxRetries        int           // applied when a request sets no retry count
	ResultTTL         time.Duration // applied when a request sets no result_ttl
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		PublicURL:         "http://localhost:8000",
		MaxRunTimeout:     15 * time.Minute,
		MaxRetries:        3,
		ResultTTL:         7 * 24 * time.Hour,
	}
}

// Deps are the components behind the routes. Browser and Runs may be nil:
// without Runs the run endpoints answer 503.
type Deps struct {
	Browser  BrowserStatus
	Runs     RunQueue
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger
}

// NewApp builds the fiber app with the standard middleware and every route.
func NewApp(deps Deps, cfg RouteConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "flowcheck",
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if deps.Logger != nil {
		app.Use(logger.New(logger.Config{Output: deps.Logger.Writer()}))
	}
	app.Use(cors.New())

	SetupRoutes(app, deps, cfg)
	return app
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, deps Deps, cfg RouteConfig) {
	handler := NewHandler(deps.Browser, cfg.Version, deps.Runs != nil)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	app.Get("/health", handler.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	fc := app.Group("/flowcheck", security.SecurityHeadersMiddleware(), security.RequestValidationMiddleware())
	fc.Get("/browser/status", handler.BrowserStatus)
	fc.Get("/scenarios", handler.Scenarios)

	if cfg.RateLimitRequests < 1 {
		cfg.RateLimitRequests = DefaultRouteConfig().RateLimitRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRouteConfig().RateLimitWindow
	}
	runs := fc.Group("/runs", limiter.New(limiter.Config{
		Max:        cfg.RateLimitRequests,
		Expiration: cfg.RateLimitWindow,
		LimitReached: func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusTooManyRequests, "Rate limit exceeded")
		},
	}))

	if deps.Runs == nil {
		disabled := func(c *fiber.Ctx) error {
			return fiber.NewError(fiber.StatusServiceUnavailable, "Run queue is disabled (start the server with --with-nats)")
		}
		runs.All("", disabled)
		runs.All("/*", disabled)
		fc.Get("/ws", disabled)
		return
	}

	runHandler := NewRunHandler(deps.Runs, cfg.PublicURL, cfg.MaxRunTimeout)
	runHandler.MaxRetries = cfg.MaxRetries
	runHandler.ResultTTL = cfg.ResultTTL
	runs.Post("", runHandler.CreateRun)
	runs.Get("/:run_id", runHandler.GetRunStatus)
	runs.Get("/:run_id/report", runHandler.GetRunReport)
	runs.Post("/:run_id/cancel", runHandler.CancelRun)
	runs.Get("/:run_id/events", runHandler.StreamEvents)

	fc.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	fc.Get("/ws", websocket.New(runHandler.HandleWebSocket))
}
