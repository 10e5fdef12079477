package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"hidden-url-proxy/internal/container"
	"hidden-url-proxy/internal/policy"
)

type sealCmd struct {
	Key     string `kong:"required,help='AES-256 key: base64:<..>, hex:<..> or 32 raw characters.',env='KEY_BASE64,KEY'"`
	BaseURL string `kong:"name='base-url',help='Proxy base URL. When set, a full link is printed instead of the bare container.'"`
	URL     string `kong:"arg,help='Target http(s) URL.'"`
}

func (s *sealCmd) Run() error {
	link, err := buildLink(container.LoadKey(s.Key), s.BaseURL, s.URL, rand.Reader)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, link)
	return err
}

// buildLink seals target under key and returns the q value, or a full proxy
// link when baseURL is set. The target must pass the same checks the proxy
// applies after decryption.
func buildLink(key *container.Key, baseURL, target string, rand io.Reader) (string, error) {
	k, err := key.Bytes()
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	if _, err := policy.ValidateURL(target); err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}

	c, err := container.Seal(k, target, rand)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	q := container.Encode(c)
	if baseURL == "" {
		return q, nil
	}
	return strings.TrimRight(baseURL, "/") + "/?q=" + url.QueryEscape(q), nil
}
