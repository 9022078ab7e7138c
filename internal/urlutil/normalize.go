// Package urlutil implements URL normalization for the fetch pipeline and
// the raw-URL rewrites for well-known source-hosting sites.
package urlutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/fetch"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/policy"
)

// DefaultMaxURLLength caps accepted URL lengths.
const DefaultMaxURLLength = 2048

// Normalized is a validated URL with its canonicalized host.
type Normalized struct {
	URL  string
	Host string
}

// Normalizer validates and canonicalizes every inbound URL and every
// redirect target against the outbound host policy.
type Normalizer struct {
	Policy    *policy.HostPolicy
	MaxLength int // 0 uses DefaultMaxURLLength
}

// Normalize parses and validates a raw URL. The host is lowercased,
// trailing dots are stripped, and IDN hostnames are mapped to their ASCII
// form before policy checks. Failures carry the VALIDATION_ERROR or
// EBLOCKED code with status 400.
func (n *Normalizer) Normalize(raw string) (Normalized, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Normalized{}, fetch.Validation(raw, "URL must be a non-empty string")
	}
	maxLen := n.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxURLLength
	}
	if len(raw) > maxLen {
		return Normalized{}, fetch.Validation(raw, fmt.Sprintf("URL exceeds maximum length of %d characters", maxLen))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Normalized{}, fetch.Validation(raw, "invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Normalized{}, fetch.Validation(raw, fmt.Sprintf("unsupported URL scheme %q: only http and https are allowed", u.Scheme))
	}
	if u.User != nil {
		return Normalized{}, fetch.Validation(raw, "URL must not contain embedded credentials")
	}

	host := policy.CanonicalHost(u.Hostname())
	if host == "" {
		return Normalized{}, fetch.Validation(raw, "URL host is empty")
	}
	if !isASCII(host) {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return Normalized{}, fetch.Validation(raw, "invalid internationalized hostname")
		}
		host = ascii
	}

	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return Normalized{}, fetch.Validation(raw, fmt.Sprintf("invalid port %q", port))
		}
	}

	if err := n.checkHostPolicy(raw, host); err != nil {
		return Normalized{}, err
	}

	u.Host = joinHostPort(host, u.Port())
	return Normalized{URL: u.String(), Host: host}, nil
}

// ValidateAndNormalize is Normalize reduced to the serialized URL; used for
// each redirect target.
func (n *Normalizer) ValidateAndNormalize(raw string) (string, error) {
	norm, err := n.Normalize(raw)
	if err != nil {
		return "", err
	}
	return norm.URL, nil
}

// checkHostPolicy rejects metadata endpoints, blocked IP literals, and
// blocked hostnames. Ordering matters: metadata first (never exempt), then
// IP literals against the range list, then hostname literals and suffixes.
func (n *Normalizer) checkHostPolicy(raw, host string) error {
	p := n.Policy
	if p == nil {
		return nil
	}
	if p.MetadataHost(host) {
		return fetch.Blocked(raw, "blocked host: cloud metadata endpoint")
	}
	if addr, ok := policy.ParseIP(host); ok {
		if p.BlockedIP(addr) {
			return fetch.Blocked(raw, fmt.Sprintf("blocked IP range: %s", addr))
		}
		return nil
	}
	if p.BlockedHost(host) {
		return fetch.Blocked(raw, fmt.Sprintf("blocked host: %s", host))
	}
	return nil
}

// joinHostPort rebuilds the URL authority, bracketing IPv6 literals.
func joinHostPort(host, port string) string {
	if port != "" {
		return net.JoinHostPort(host, port)
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
