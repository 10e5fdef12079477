package handler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"hidden-url-proxy/internal/client"
	"hidden-url-proxy/internal/container"
)

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func getQ(q string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/?q="+url.QueryEscape(q), http.NoBody)
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func rawContainer(iv, data []byte) string {
	j := fmt.Sprintf(`{"iv":%q,"data":%q}`,
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(data))
	return base64.StdEncoding.EncodeToString([]byte(j))
}

func TestProxyHandler_Handle_RelaysOrigin(t *testing.T) {
	payload := []byte("origin bytes \x00\x01\x02")
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/a.txt" {
			t.Errorf("origin path = %q, want /a.txt", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Origin", "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer origin.Close()

	h := newTestProxyHandler(testConfig(zeroKeyConfig, 0))
	iv := bytes.Repeat([]byte{9}, 16)
	rec := serve(t, h, getQ(sealWith(t, zeroKey, origin.URL+"/a.txt", iv)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Errorf("body = %q, want %q", rec.Body.Bytes(), payload)
	}
	if rec.Header().Get("X-Origin") != "1" {
		t.Errorf("X-Origin = %q, want origin header relayed", rec.Header().Get("X-Origin"))
	}
	if rec.Header().Get("Content-Length") != fmt.Sprint(len(payload)) {
		t.Errorf("Content-Length = %q, want %d passed through", rec.Header().Get("Content-Length"), len(payload))
	}
}

func TestProxyHandler_Handle_RelaysOriginStatus(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer origin.Close()

	h := newTestProxyHandler(testConfig(zeroKeyConfig, 0))
	rec := serve(t, h, getQ(sealWith(t, zeroKey, origin.URL+"/missing", nil)))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want origin's %d", rec.Code, http.StatusNotFound)
	}
	if !strings.Contains(rec.Body.String(), "nope") {
		t.Errorf("body = %q, want origin body", rec.Body.String())
	}
}

func TestProxyHandler_Handle_CeilingTruncatesUndeclared(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Flushing before the body forces chunked encoding, so no
		// Content-Length is advertised.
		w.(http.Flusher).Flush()
		_, _ = w.Write(bytes.Repeat([]byte("0123456789"), 10))
	}))
	defer origin.Close()

	h := newTestProxyHandler(testConfig(zeroKeyConfig, 10))
	rec := serve(t, h, getQ(sealWith(t, zeroKey, origin.URL, nil)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "0123456789" {
		t.Errorf("body = %q, want first 10 bytes", rec.Body.String())
	}
	if _, ok := rec.Header()["Content-Length"]; ok {
		t.Errorf("Content-Length present = %q, want absent", rec.Header().Get("Content-Length"))
	}
}

func TestProxyHandler_Handle_CeilingWithinLimit(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("short"))
	}))
	defer origin.Close()

	h := newTestProxyHandler(testConfig(zeroKeyConfig, 10))
	rec := serve(t, h, getQ(sealWith(t, zeroKey, origin.URL, nil)))

	if rec.Body.String() != "short" {
		t.Errorf("body = %q, want full origin body", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "" {
		t.Errorf("Content-Length = %q, want removed under a ceiling", rec.Header().Get("Content-Length"))
	}
}

func TestProxyHandler_Handle_DeclaredTooLarge(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write(make([]byte, 100))
	}))
	defer origin.Close()

	h := newTestProxyHandler(testConfig(zeroKeyConfig, 10))
	rec := serve(t, h, getQ(sealWith(t, zeroKey, origin.URL, nil)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if got := errorBody(t, rec); got != "Response too large" {
		t.Errorf("error = %q, want %q", got, "Response too large")
	}
}

func TestProxyHandler_Handle_Errors(t *testing.T) {
	iv := make([]byte, 16)
	aligned := make([]byte, 32)

	tests := []struct {
		name       string
		key        string
		q          string
		wantStatus int
		wantError  string
	}{
		{"missing q", zeroKeyConfig, "", http.StatusBadRequest, "Missing 'q'"},
		{"malformed base64", zeroKeyConfig, "%%%", http.StatusBadRequest, "Invalid base64 container"},
		{"not json", zeroKeyConfig, base64.StdEncoding.EncodeToString([]byte("nope")), http.StatusBadRequest, "Invalid container JSON"},
		{"missing fields", zeroKeyConfig, base64.StdEncoding.EncodeToString([]byte(`{"iv":"AAAA"}`)), http.StatusBadRequest, "Missing iv/data"},
		{"field base64", zeroKeyConfig, base64.StdEncoding.EncodeToString([]byte(`{"iv":"*","data":"AAAA"}`)), http.StatusBadRequest, "Invalid base64 in iv/data"},
		{"iv 12 bytes", zeroKeyConfig, rawContainer(make([]byte, 12), aligned), http.StatusBadRequest, "Invalid IV length"},
		{"key unset", "", rawContainer(iv, aligned), http.StatusUnauthorized, "KEY is not set"},
		{"key 16 bytes", "base64:" + base64.StdEncoding.EncodeToString(make([]byte, 16)), rawContainer(iv, aligned), http.StatusUnauthorized, "KEY must be 32 bytes"},
		{"key short, invalid container", "short", "%%%", http.StatusUnauthorized, "KEY must be 32 bytes"},
		{"key bad hex", "hex:zz", rawContainer(iv, aligned), http.StatusInternalServerError, "Internal error"},
		{"unaligned ciphertext", zeroKeyConfig, rawContainer(iv, make([]byte, 15)), http.StatusBadRequest, "Decryption failed"},
		{"ftp target", zeroKeyConfig, sealWith(t, zeroKey, "ftp://host/resource", nil), http.StatusForbidden, "Scheme not allowed"},
		{"not a url", zeroKeyConfig, sealWith(t, zeroKey, "::not a url", nil), http.StatusBadRequest, "Invalid URL"},
		{"origin unreachable", zeroKeyConfig, sealWith(t, zeroKey, "http://127.0.0.1:1/x", nil), http.StatusInternalServerError, "Internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestProxyHandler(testConfig(tt.key, 0))
			rec := serve(t, h, getQ(tt.q))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorBody(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
			if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
				t.Errorf("Content-Type = %q, want JSON", ct)
			}
		})
	}
}

func TestProxyHandler_Handle_MethodNotAllowed(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		allowPost bool
		wantAllow string
	}{
		{"PUT", http.MethodPut, false, "GET"},
		{"HEAD", http.MethodHead, false, "GET"},
		{"POST disabled", http.MethodPost, false, "GET"},
		{"DELETE with POST enabled", http.MethodDelete, true, "GET, POST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(zeroKeyConfig, 0)
			cfg.Server.AllowPost = tt.allowPost
			h := newTestProxyHandler(cfg)

			rec := serve(t, h, httptest.NewRequest(tt.method, "/?q=abc", http.NoBody))
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
			}
			if got := rec.Header().Get("Allow"); got != tt.wantAllow {
				t.Errorf("Allow = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("origin method = %q, want GET", r.Method)
		}
		_, _ = w.Write([]byte("posted"))
	}))
	defer origin.Close()

	q := sealWith(t, zeroKey, origin.URL, nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"raw text", "text/plain", q, http.StatusOK},
		{"json q", "application/json; charset=utf-8", `{"q":"` + q + `"}`, http.StatusOK},
		{"json without q falls back to raw", "application/json", `{"x":1}`, http.StatusBadRequest},
		{"empty body", "text/plain", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(zeroKeyConfig, 0)
			cfg.Server.AllowPost = true
			h := newTestProxyHandler(cfg)

			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, tt.contentType)
			rec := serve(t, h, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK && rec.Body.String() != "posted" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "posted")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"wrapped iv length", fmt.Errorf("decode: %w", container.ErrIVLength), http.StatusBadRequest},
		{"timeout", client.ErrTimeout, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err).status; got != tt.status {
				t.Errorf("classify() status = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	secret := "https://api.telegram.org/file/bot123:SECRET/photo.jpg"
	err := fmt.Errorf("forward to origin: %w", &url.Error{Op: "Get", URL: secret, Err: errors.New("connection refused")})

	got := sanitizeError(err)
	if strings.Contains(got, "SECRET") {
		t.Errorf("sanitizeError() = %q, want target URL redacted", got)
	}
	if !strings.Contains(got, "connection refused") {
		t.Errorf("sanitizeError() = %q, want cause kept", got)
	}

	if got := sanitizeError(errors.New("plain")); got != "plain" {
		t.Errorf("sanitizeError() = %q, want %q", got, "plain")
	}
}
