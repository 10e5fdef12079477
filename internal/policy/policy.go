// Package policy restricts which decrypted targets the proxy will fetch.
package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrSchemeNotAllowed = errors.New("scheme not allowed")
	ErrHostNotAllowed   = errors.New("host not allowed")
)

// allowedSchemes are compared against the parser's lowercased scheme.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// ValidateURL parses s as an absolute URL and enforces the scheme allow-list.
func ValidateURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: not absolute", ErrInvalidURL)
	}
	if !allowedSchemes[u.Scheme] {
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

// CheckHost rejects localhost names and internal IP literals. Names are not
// resolved here; CheckAddr covers resolved addresses at dial time.
func CheckHost(u *url.URL) error {
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return CheckAddr(addr)
	}
	return nil
}

// CheckAddr rejects loopback, private, link-local and unspecified addresses.
func CheckAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, addr)
	}
	return nil
}
