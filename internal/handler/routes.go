// Package handler provides the HTTP endpoints of the relay service.
package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"url-relay/internal/config"
	"url-relay/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The metrics
// endpoint is only registered when m is non-nil.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	e.POST("/relay", relay.Handle)

	if m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
