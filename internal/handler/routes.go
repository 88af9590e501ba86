package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sse-monitor-go/internal/config"
	"sse-monitor-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, sse *SSEHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any(cfg.Server.Route, sse.Handle)
	e.Any(cfg.Server.Route+"/*", sse.Handle)

	e.RouteNotFound("/*", NotFound)
}

// KnownRoutes returns the route labels used for request metrics.
func KnownRoutes(cfg *config.Config) []string {
	routes := []string{cfg.Server.Route, "/healthz", "/proxy/status"}
	if cfg.Metrics.Enabled {
		routes = append(routes, cfg.Metrics.Path)
	}
	return routes
}
