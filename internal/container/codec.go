// Package container decodes, decrypts and seals the encrypted URL containers
// carried in the q parameter.
package container

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// IVSize is the AES block size; every container IV must be exactly this long.
const IVSize = 16

var (
	ErrContainerBase64 = errors.New("invalid base64 container")
	ErrContainerJSON   = errors.New("invalid container JSON")
	ErrMissingFields   = errors.New("missing iv/data")
	ErrFieldBase64     = errors.New("invalid base64 in iv/data")
	ErrIVLength        = errors.New("invalid IV length")
)

// EncryptedContainer is the decoded {iv, data} pair of a single request.
type EncryptedContainer struct {
	IV         []byte
	Ciphertext []byte
}

// wireContainer is the JSON shape of a container.
type wireContainer struct {
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// Decode parses a transport string into an EncryptedContainer.
func Decode(q string) (*EncryptedContainer, error) {
	raw, err := DecodeBase64(q)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerBase64, err)
	}
	if !utf8.Valid(raw) {
		return nil, ErrContainerJSON
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContainerJSON, err)
	}
	// Valid JSON that is not an object, or lacks the fields, is reported as
	// missing fields rather than bad JSON.
	obj, _ := v.(map[string]any)
	ivStr, _ := obj["iv"].(string)
	dataStr, _ := obj["data"].(string)
	if ivStr == "" || dataStr == "" {
		return nil, ErrMissingFields
	}

	iv, err := DecodeBase64(ivStr)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %w", ErrFieldBase64, err)
	}
	ciphertext, err := DecodeBase64(dataStr)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrFieldBase64, err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrIVLength, len(iv))
	}

	return &EncryptedContainer{IV: iv, Ciphertext: ciphertext}, nil
}

// Encode renders c in the transport form accepted by Decode.
func Encode(c *EncryptedContainer) string {
	// Marshal of two plain strings cannot fail.
	b, _ := json.Marshal(wireContainer{
		IV:   base64.StdEncoding.EncodeToString(c.IV),
		Data: base64.StdEncoding.EncodeToString(c.Ciphertext),
	})
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes standard or URL-safe base64, ignoring ASCII whitespace
// and tolerating missing padding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		case '-':
			return '+'
		case '_':
			return '/'
		}
		return r
	}, s)

	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	case 1:
		return nil, base64.CorruptInputError(len(s) - 1)
	}
	return base64.StdEncoding.DecodeString(s)
}
