package container

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrKeyNotSet   = errors.New("KEY is not set")
	ErrKeyLength   = errors.New("KEY must be 32 bytes")
	ErrKeyEncoding = errors.New("KEY encoding is invalid")
)

// Key is the process-wide key material. It is parsed once and is immutable;
// a configuration problem is kept and reported by Bytes on every request
// instead of failing startup.
type Key struct {
	bytes []byte
	err   error
}

// LoadKey parses raw with ParseKey and records the outcome.
func LoadKey(raw string) *Key {
	if raw == "" {
		return &Key{err: ErrKeyNotSet}
	}
	b, err := ParseKey(raw)
	if err != nil {
		return &Key{err: err}
	}
	if len(b) != KeySize {
		return &Key{err: fmt.Errorf("%w: got %d", ErrKeyLength, len(b))}
	}
	return &Key{bytes: b}
}

// Bytes returns the 32-byte key or the configuration error.
func (k *Key) Bytes() ([]byte, error) {
	if k.err != nil {
		return nil, k.err
	}
	return k.bytes, nil
}

// Configured reports whether a usable key is loaded.
func (k *Key) Configured() bool {
	return k.err == nil
}

// ParseKey interprets a configured key string. A "base64:" or "hex:" prefix
// selects that encoding; anything else is taken as raw UTF-8 bytes.
func ParseKey(raw string) ([]byte, error) {
	switch {
	case strings.HasPrefix(raw, "base64:"):
		b, err := DecodeBase64(raw[len("base64:"):])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyEncoding, err)
		}
		return b, nil
	case strings.HasPrefix(raw, "hex:"):
		b, err := hex.DecodeString(strings.TrimSpace(raw[len("hex:"):]))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyEncoding, err)
		}
		return b, nil
	}
	return []byte(raw), nil
}
