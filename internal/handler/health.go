package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"hidden-url-proxy/internal/config"
	"hidden-url-proxy/internal/container"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	key     *container.Key
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, key *container.Key, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, key: key, version: v}
}

// Health is the liveness probe. It never touches the key or the origin.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Status returns proxy status information. It reports whether a usable key
// is loaded, never the key itself.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        string(h.version),
		"key_configured": h.key.Configured(),
		"max_bytes":      h.cfg.Upstream.Ceiling(),
		"timeout_ms":     h.cfg.Upstream.Timeout().Milliseconds(),
		"allow_post":     h.cfg.Server.AllowPost,
	})
}
