// Package client provides the outbound HTTP client that fetches origins.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"hidden-url-proxy/internal/config"
	"hidden-url-proxy/internal/metrics"
	"hidden-url-proxy/internal/model"
	"hidden-url-proxy/internal/policy"
)

// ErrTimeout is returned when the origin does not deliver response headers
// within the configured timeout.
var ErrTimeout = fmt.Errorf("origin response headers: %w", context.DeadlineExceeded)

const (
	userAgent    = "hidden-url-proxy/1.0"
	maxRedirects = 10
)

// OriginClient fetches decrypted target URLs.
type OriginClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and the
// optional private-host guard. Compression is left to the origin so bodies
// and Content-Length are relayed as sent.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	guard := cfg.Upstream.BlockPrivateHosts

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if guard {
		dialer.Control = guardDial
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext:         dialer.DialContext,
	}

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if guard {
					return policy.CheckHost(req.URL)
				}
				return nil
			},
		},
		timeout: cfg.Upstream.Timeout(),
		logger:  logger.With("component", "origin_client"),
		metrics: m,
	}
}

// Fetch issues a GET for target and returns once response headers arrive.
// The timeout covers connecting and waiting for headers; after that the body
// streams without a deadline. Closing the returned body cancels the request.
func (c *OriginClient) Fetch(ctx context.Context, target string) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug("origin request", "host", req.URL.Host)

	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() { cancel(ErrTimeout) })
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	fired := timer != nil && !timer.Stop()
	duration := time.Since(start).Seconds()

	if err != nil {
		timedOut := errors.Is(context.Cause(ctx), ErrTimeout)
		cancel(nil)
		if timedOut {
			c.observe("timeout", duration, 0)
			return nil, ErrTimeout
		}
		c.observe("error", duration, 0)
		return nil, fmt.Errorf("origin request: %w", err)
	}
	if fired {
		// Headers arrived as the timer fired; the body is already unusable.
		_ = resp.Body.Close()
		cancel(nil)
		c.observe("timeout", duration, 0)
		return nil, ErrTimeout
	}

	c.observe("ok", duration, resp.StatusCode)

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (c *OriginClient) observe(outcome string, seconds float64, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(outcome).Observe(seconds)
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(metrics.StatusClass(status)).Inc()
	}
}

// guardDial runs after DNS resolution, so address is always an IP literal.
func guardDial(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", policy.ErrHostNotAllowed, address)
	}
	return policy.CheckAddr(ap.Addr())
}

// cancelOnClose tears down the origin request when the relay closes the body,
// whether or not the body was read to the end.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
