// Package relay bounds the number of origin bytes streamed to a client.
package relay

import (
	"io"
)

// LimitedBody forwards at most a fixed number of bytes from an origin body.
// It starts streaming and moves to closed exactly once, either on origin EOF
// or when the ceiling is reached; in the latter case the origin body is closed
// immediately so no further bytes are read. It is not reusable.
type LimitedBody struct {
	src       io.ReadCloser
	remaining int64
	relayed   int64
	closed    bool
	truncated bool
	closeErr  error
}

// Limit wraps body so that at most limit bytes are read from it.
func Limit(body io.ReadCloser, limit int64) *LimitedBody {
	return &LimitedBody{src: body, remaining: limit}
}

// Read implements io.Reader. A read never asks the origin for more than the
// remaining allowance, so the chunk that reaches the ceiling is cut to fit.
func (l *LimitedBody) Read(p []byte) (int, error) {
	if l.closed {
		return 0, io.EOF
	}
	if l.remaining <= 0 {
		l.finish(true)
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err := l.src.Read(p)
	l.remaining -= int64(n)
	l.relayed += int64(n)

	switch {
	case err == io.EOF:
		l.finish(false)
		return n, io.EOF
	case err != nil:
		return n, err
	case l.remaining == 0:
		l.finish(true)
		return n, io.EOF
	}
	return n, nil
}

// Close releases the origin body. It is safe to call after the limiter has
// already closed it.
func (l *LimitedBody) Close() error {
	if !l.closed {
		l.finish(false)
	}
	return l.closeErr
}

// Truncated reports whether the ceiling cut the stream short, as far as the
// limiter can tell: an origin body that ends exactly at the ceiling counts
// as truncated because the limiter stops reading before seeing its EOF.
func (l *LimitedBody) Truncated() bool {
	return l.truncated
}

// Relayed returns the number of bytes forwarded so far.
func (l *LimitedBody) Relayed() int64 {
	return l.relayed
}

func (l *LimitedBody) finish(truncated bool) {
	l.closed = true
	l.truncated = truncated
	l.closeErr = l.src.Close()
}
