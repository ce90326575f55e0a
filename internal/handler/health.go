package handler

import (
	"net/http"

	units "github.com/docker/go-units"
	"github.com/labstack/echo/v4"

	"url-relay/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the relay's version and effective transfer settings.
func (h *HealthHandler) Status(c echo.Context) error {
	rateLimit := "unlimited"
	if n := h.cfg.Transfer.RateLimitBytes(); n > 0 {
		rateLimit = units.BytesSize(float64(n)) + "/s"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":     "ok",
		"version":    string(h.version),
		"chunk_size": units.BytesSize(float64(h.cfg.Transfer.ChunkSizeBytes())),
		"rate_limit": rateLimit,
	})
}
