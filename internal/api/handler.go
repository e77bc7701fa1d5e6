// Package api is the HTTP surface of the run server.
package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ahrdadan/flowcheck/internal/scenario"
)

// BrowserStatus reports on the browser the server drives. browser.Launcher
// satisfies it.
type BrowserStatus interface {
	IsRunning() bool
	GetEndpoint() string
}

// Handler serves the status endpoints
type Handler struct {
	browser BrowserStatus
	version string
	queue   bool
}

// NewHandler creates a new handler. browser may be nil.
func NewHandler(browser BrowserStatus, version string, queueEnabled bool) *Handler {
	return &Handler{browser: browser, version: version, queue: queueEnabled}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}

	return c.Status(code).JSON(Response{
		Success: false,
		Error:   err.Error(),
	})
}

// HealthCheck returns health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"status":    "ok",
			"version":   h.version,
			"browser":   h.browser != nil && h.browser.IsRunning(),
			"queue":     h.queue,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// BrowserStatus returns browser status
// GET /flowcheck/browser/status
func (h *Handler) BrowserStatus(c *fiber.Ctx) error {
	if h.browser == nil {
		return c.JSON(Response{
			Success: true,
			Data:    fiber.Map{"running": false, "endpoint": ""},
		})
	}
	return c.JSON(Response{
		Success: true,
		Data: fiber.Map{
			"running":  h.browser.IsRunning(),
			"endpoint": h.browser.GetEndpoint(),
		},
	})
}

// ScenarioInfo describes a runnable scenario.
type ScenarioInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Scenarios lists the built-in scenarios in execution order
// GET /flowcheck/scenarios
func (h *Handler) Scenarios(c *fiber.Ctx) error {
	builtins := scenario.Builtins()
	out := make([]ScenarioInfo, len(builtins))
	for i, sc := range builtins {
		out[i] = ScenarioInfo{Name: sc.Name, Description: sc.Description}
	}
	return c.JSON(Response{Success: true, Data: out})
}
