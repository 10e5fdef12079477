package handler

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"

	"hidden-url-proxy/internal/client"
	"hidden-url-proxy/internal/config"
	"hidden-url-proxy/internal/container"
	"hidden-url-proxy/internal/service"
)

// zeroKey is 32 zero bytes, configured in its base64 form.
var zeroKey = make([]byte, 32)

var zeroKeyConfig = "base64:" + base64.StdEncoding.EncodeToString(zeroKey)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(key string, maxBytes int64) *config.Config {
	return &config.Config{
		Key: config.KeyConfig{Value: key},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxBytes:        maxBytes,
		},
	}
}

func newTestProxyHandler(cfg *config.Config) *ProxyHandler {
	logger := discardLogger()
	oc := client.NewOriginClient(cfg, logger, nil)
	svc := service.NewProxyService(oc, container.LoadKey(cfg.Key.Value), cfg, logger, nil)
	return NewProxyHandler(svc, Options{AllowPost: cfg.Server.AllowPost}, logger, nil)
}

// sealWith builds a q parameter for target under key, with a fixed or random IV.
func sealWith(t *testing.T, key []byte, target string, iv []byte) string {
	t.Helper()
	var r io.Reader = rand.Reader
	if iv != nil {
		r = bytes.NewReader(iv)
	}
	c, err := container.Seal(key, target, r)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return container.Encode(c)
}
