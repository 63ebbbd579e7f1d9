// Package net provides URL parsing and sanitization helpers: the command
// builder normalizes UDP destination hosts and classifies live HTTP/HLS
// inputs, the audio-track probe validates remote input URLs, and audit
// logging scrubs credentials before an input locator is recorded.
package net

import (
	"fmt"
	"net/url"
	"strings"
)

// SanitizeURL removes user info and query parameters for safe logging.
func SanitizeURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	parsedURL.RawQuery = ""
	return parsedURL.String()
}

// ParseDirectHTTPURL validates if a string is a safe, direct HTTP/HTTPS URL.
// It enforces:
//   - Scheme must be "http" or "https"
//   - Host must be non-empty
//   - No embedded User/Password credentials
func ParseDirectHTTPURL(s string) (*url.URL, bool) {
	s = strings.TrimSpace(s)
	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, false
	}

	if u.Host == "" {
		return nil, false
	}

	if u.User != nil {
		return nil, false
	}

	if u.Fragment != "" {
		return nil, false
	}

	return u, true
}

// NormalizeAuthority parses a host string (which may act as an authority)
// and returns the normalized hostname and port.
//
// If the input lacks a scheme, defaultScheme is prepended before parsing.
// The hostname relies on url.URL.Hostname() which strips brackets from IPv6 literals.
func NormalizeAuthority(s, defaultScheme string) (host, port string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", fmt.Errorf("empty input")
	}

	if !strings.Contains(s, "://") {
		if defaultScheme == "" {
			defaultScheme = "http"
		}
		s = defaultScheme + "://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse authority: %w", err)
	}

	if u.Host == "" {
		return "", "", fmt.Errorf("empty host")
	}

	return u.Hostname(), u.Port(), nil
}

// IsLiveHLSOrHTTPSource reports whether the input locator is a direct
// HTTP(S) URL or an HLS playlist (any locator ending in .m3u8, local paths
// included), as opposed to another local file, a device path or udp. The command
// builder uses this to decide whether to suppress the UDP output's "-re"
// real-time-read flag (a live network source is already paced upstream).
func IsLiveHLSOrHTTPSource(inputURL string) bool {
	if _, ok := ParseDirectHTTPURL(inputURL); ok {
		return true
	}
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(inputURL)), ".m3u8")
}
