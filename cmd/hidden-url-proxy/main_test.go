package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hidden-url-proxy/internal/config"
	"hidden-url-proxy/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{BodyMaxBytes: 1024},
		Metrics: config.MetricsConfig{Path: "/metrics"},
	}
}

func TestNewEcho_RateLimiter(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}

	e := newEcho(cfg, discardLogger(), metrics.New())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code, "first request")

	got429 := false
	for range 10 {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	assert.True(t, got429, "expected a 429 once the burst is spent")
}

func TestNewEcho_BodyLimit(t *testing.T) {
	e := newEcho(baseConfig(), discardLogger(), metrics.New())
	e.POST("/", func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRegisterMetrics(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{"enabled", true, http.StatusOK},
		{"disabled", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Metrics.Enabled = tt.enabled
			m := metrics.New()

			e := newEcho(cfg, discardLogger(), m)
			registerMetrics(e, cfg, m, discardLogger())

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

			assert.Equal(t, tt.want, rec.Code)
			if tt.enabled {
				assert.Contains(t, rec.Body.String(), "go_goroutines")
			}
		})
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := baseConfig()
	cfg.Log = config.LogConfig{Level: "warn", Format: "text"}

	logger := newLogger(cfg)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelWarn))
}
