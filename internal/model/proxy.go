// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// ProxyResponse is an origin response on its way back to the client.
// Header is a private copy the service may edit before relaying.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
