package container

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDecryptionFailed covers every failure after the key and IV checks. Bad
// padding, a wrong key and corrupt ciphertext are deliberately not told apart.
var ErrDecryptionFailed = errors.New("decryption failed")

// Decrypt runs AES-256-CBC with PKCS#7 unpadding and returns the trimmed
// plaintext.
func Decrypt(key []byte, c *EncryptedContainer) (string, error) {
	if len(key) != KeySize {
		return "", ErrKeyLength
	}
	if len(c.IV) != IVSize {
		return "", ErrIVLength
	}
	if len(c.Ciphertext) == 0 || len(c.Ciphertext)%aes.BlockSize != 0 {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	out := make([]byte, len(c.Ciphertext))
	cipher.NewCBCDecrypter(block, c.IV).CryptBlocks(out, c.Ciphertext)

	plain, ok := unpad(out)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return strings.TrimSpace(string(plain)), nil
}

// Seal encrypts plaintext under key with a fresh IV read from rand.
func Seal(key []byte, plaintext string, rand io.Reader) (*EncryptedContainer, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand, iv); err != nil {
		return nil, fmt.Errorf("read iv: %w", err)
	}

	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return &EncryptedContainer{IV: iv, Ciphertext: out}, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips PKCS#7 padding. The padding bytes are compared without
// early exit.
func unpad(b []byte) ([]byte, bool) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, false
	}
	want := bytes.Repeat([]byte{byte(n)}, n)
	if subtle.ConstantTimeCompare(b[len(b)-n:], want) != 1 {
		return nil, false
	}
	return b[:len(b)-n], true
}
