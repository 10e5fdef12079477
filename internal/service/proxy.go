// Package service implements the decrypt-validate-fetch pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"hidden-url-proxy/internal/config"
	"hidden-url-proxy/internal/container"
	"hidden-url-proxy/internal/metrics"
	"hidden-url-proxy/internal/model"
	"hidden-url-proxy/internal/policy"
	"hidden-url-proxy/internal/relay"
)

var (
	// ErrMissingQuery is returned when the request carries no container.
	ErrMissingQuery = errors.New("missing 'q'")
	// ErrTooLarge is returned when the origin declares a body above the ceiling.
	ErrTooLarge = errors.New("response too large")
)

// hopByHopHeaders are origin response headers that are not relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher issues the outbound GET for a validated target.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*model.ProxyResponse, error)
}

// ProxyService resolves containers to targets and fetches them.
type ProxyService struct {
	fetcher      Fetcher
	key          *container.Key
	ceiling      int64
	blockPrivate bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(f Fetcher, key *container.Key, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		fetcher:      f,
		key:          key,
		ceiling:      cfg.Upstream.Ceiling(),
		blockPrivate: cfg.Upstream.BlockPrivateHosts,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
	}
}

// Resolve turns the q parameter into a validated target URL. The key is
// checked first so a misconfigured key fails every request the same way.
// Resolve has no side effects; the same q always yields the same result.
func (s *ProxyService) Resolve(q string) (*url.URL, error) {
	key, err := s.key.Bytes()
	if err != nil {
		return nil, err
	}
	if q == "" {
		return nil, ErrMissingQuery
	}

	c, err := container.Decode(q)
	if err != nil {
		return nil, err
	}
	plaintext, err := container.Decrypt(key, c)
	if err != nil {
		return nil, err
	}

	target, err := policy.ValidateURL(plaintext)
	if err != nil {
		return nil, err
	}
	if s.blockPrivate {
		if err := policy.CheckHost(target); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// Forward fetches target and prepares the response for relaying. The caller
// is responsible for closing the response body.
//
// With a ceiling configured, a declared Content-Length above it fails with
// ErrTooLarge before any body byte is read; otherwise Content-Length is
// dropped and the body is cut at the ceiling.
func (s *ProxyService) Forward(ctx context.Context, target *url.URL) (*model.ProxyResponse, error) {
	resp, err := s.fetcher.Fetch(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("forward to origin: %w", err)
	}

	for _, h := range hopByHopHeaders {
		resp.Header.Del(h)
	}

	if s.ceiling <= 0 {
		resp.Body = s.count(resp.Body)
		return resp, nil
	}

	if cl, ok := declaredLength(resp.Header); ok && cl > s.ceiling {
		_ = resp.Body.Close()
		s.logger.Debug("origin body above ceiling",
			"content_length", cl,
			"ceiling", s.ceiling,
		)
		return nil, ErrTooLarge
	}

	resp.Header.Del("Content-Length")
	resp.Body = &limitedRelay{
		LimitedBody: relay.Limit(resp.Body, s.ceiling),
		service:     s,
	}
	return resp, nil
}

// declaredLength parses the origin Content-Length, if it is present and sane.
func declaredLength(h http.Header) (int64, bool) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *ProxyService) count(body io.ReadCloser) io.ReadCloser {
	if s.metrics == nil {
		return body
	}
	return &countingBody{ReadCloser: body, counter: s.metrics}
}

// countingBody feeds the relayed bytes counter for unbounded relays.
type countingBody struct {
	io.ReadCloser
	counter *metrics.Metrics
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.counter.RelayedBytes.Add(float64(n))
	return n, err
}

// limitedRelay reports the limiter outcome once the relay closes the body.
type limitedRelay struct {
	*relay.LimitedBody
	service  *ProxyService
	reported bool
}

func (l *limitedRelay) Close() error {
	err := l.LimitedBody.Close()
	if l.reported {
		return err
	}
	l.reported = true
	if l.Truncated() {
		l.service.logger.Debug("relay cut at ceiling", "bytes", l.Relayed(), "ceiling", l.service.ceiling)
	}
	if m := l.service.metrics; m != nil {
		m.RelayedBytes.Add(float64(l.Relayed()))
		if l.Truncated() {
			m.RelayTruncated.Inc()
		}
	}
	return err
}
