package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// other than the probes is a proxy path; only the q parameter matters.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/health", health.Health)
	e.GET("/proxy/status", health.Status)

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
