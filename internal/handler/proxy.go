package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"hidden-url-proxy/internal/container"
	"hidden-url-proxy/internal/metrics"
	"hidden-url-proxy/internal/policy"
	"hidden-url-proxy/internal/service"
)

// rejection is the client-facing form of an error.
type rejection struct {
	err     error
	status  int
	reason  string
	message string
}

// rejections is checked in order; the first match wins.
var rejections = []rejection{
	{service.ErrMissingQuery, http.StatusBadRequest, "missing_q", "Missing 'q'"},
	{container.ErrContainerBase64, http.StatusBadRequest, "invalid_container_base64", "Invalid base64 container"},
	{container.ErrContainerJSON, http.StatusBadRequest, "invalid_container_json", "Invalid container JSON"},
	{container.ErrMissingFields, http.StatusBadRequest, "missing_fields", "Missing iv/data"},
	{container.ErrFieldBase64, http.StatusBadRequest, "invalid_field_base64", "Invalid base64 in iv/data"},
	{container.ErrIVLength, http.StatusBadRequest, "invalid_iv_length", "Invalid IV length"},
	{container.ErrKeyNotSet, http.StatusUnauthorized, "key_not_set", "KEY is not set"},
	{container.ErrKeyLength, http.StatusUnauthorized, "key_length", "KEY must be 32 bytes"},
	{container.ErrDecryptionFailed, http.StatusBadRequest, "decryption_failed", "Decryption failed"},
	{policy.ErrInvalidURL, http.StatusBadRequest, "invalid_url", "Invalid URL"},
	{policy.ErrSchemeNotAllowed, http.StatusForbidden, "scheme_not_allowed", "Scheme not allowed"},
	{policy.ErrHostNotAllowed, http.StatusForbidden, "host_not_allowed", "Host not allowed"},
	{service.ErrTooLarge, http.StatusRequestEntityTooLarge, "too_large", "Response too large"},
}

var internalError = rejection{status: http.StatusInternalServerError, reason: "internal", message: "Internal error"}

// ProxyHandler decrypts container links and relays the origin response.
type ProxyHandler struct {
	service   *service.ProxyService
	logger    *slog.Logger
	metrics   *metrics.Metrics
	allowPost bool
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, opts Options, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:   svc,
		logger:    logger.With("component", "proxy_handler"),
		metrics:   m,
		allowPost: opts.AllowPost,
	}
}

// Options are the handler settings taken from configuration.
type Options struct {
	AllowPost bool
}

// Handle resolves the container and streams the origin response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if !h.methodAllowed(req.Method) {
		return h.methodNotAllowed(c)
	}

	q, err := h.extractQ(req)
	if err != nil {
		return h.mapError(c, err)
	}

	target, err := h.service.Resolve(q)
	if err != nil {
		return h.mapError(c, err)
	}

	resp, err := h.service.Forward(req.Context(), target)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent, a failed copy (client gone, origin reset)
	// can only be logged; the client sees a short body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"host", target.Host,
		)
	}

	return nil
}

func (h *ProxyHandler) methodAllowed(method string) bool {
	return method == http.MethodGet || (h.allowPost && method == http.MethodPost)
}

func (h *ProxyHandler) allowHeader() string {
	if h.allowPost {
		return "GET, POST"
	}
	return http.MethodGet
}

func (h *ProxyHandler) methodNotAllowed(c echo.Context) error {
	h.reject("method_not_allowed")
	c.Response().Header().Set(echo.HeaderAllow, h.allowHeader())
	return c.JSON(http.StatusMethodNotAllowed, map[string]string{
		"error": "Method Not Allowed",
	})
}

// extractQ reads the container from the query string, or from the body on
// POST: a JSON object's "q" field when the content type says JSON, the raw
// text otherwise or when that JSON has no string q.
func (h *ProxyHandler) extractQ(req *http.Request) (string, error) {
	if req.Method == http.MethodGet {
		return req.URL.Query().Get("q"), nil
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	if strings.Contains(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		var body struct {
			Q *string `json:"q"`
		}
		if err := json.Unmarshal(data, &body); err == nil && body.Q != nil {
			return *body.Q, nil
		}
	}
	return string(data), nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	r := classify(err)

	level := slog.LevelInfo
	if r.status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(c.Request().Context(), level, "request rejected",
		"reason", r.reason,
		"status", r.status,
		"err", sanitizeError(err),
	)
	h.reject(r.reason)

	return c.JSON(r.status, map[string]string{
		"error": r.message,
	})
}

func (h *ProxyHandler) reject(reason string) {
	if h.metrics != nil {
		h.metrics.Rejections.WithLabelValues(reason).Inc()
	}
}

// classify maps an error to its rejection; anything unknown, including
// origin network failures and timeouts, is an internal error.
func classify(err error) rejection {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return r
		}
	}
	return internalError
}

// sanitizeError strips target URLs from error messages; decrypted targets
// may embed credentials such as bot tokens.
func sanitizeError(err error) string {
	msg := err.Error()
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.URL != "" {
		msg = strings.ReplaceAll(msg, urlErr.URL, "[REDACTED]")
	}
	return msg
}
