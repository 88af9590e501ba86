package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"sse-monitor-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	sse     *SSEHandler
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, sse *SSEHandler) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, sse: sse}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       string(h.version),
		"route":         h.cfg.Server.Route,
		"active_relays": h.sse.Active(),
	})
}
