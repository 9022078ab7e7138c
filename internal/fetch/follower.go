package fetch

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds one full fetch including every redirect hop.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxRedirects is the redirect hop budget.
	DefaultMaxRedirects = 5

	// DefaultUserAgent identifies outbound requests unless configured.
	DefaultUserAgent = "fetchd/1.0"

	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	defaultAcceptLanguage = "en-US,en;q=0.9"

	redirectBodyDrainLimit = 4 << 10
)

// Shared across per-hop transports so the root CA bundle is loaded once.
var defaultTLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

// Resolver validates a hostname and pins it to a single address.
type Resolver interface {
	ResolveAndValidate(ctx context.Context, host string) (netip.Addr, error)
}

// Client fetches URLs following redirects manually. Every hop is
// preflight-resolved and the connection dials the validated address
// directly, so a DNS answer cannot change between validation and connect.
type Client struct {
	Resolver Resolver

	// ValidateRedirect normalizes each redirect target and enforces the
	// outbound host policy on it. Required for redirect following.
	ValidateRedirect func(string) (string, error)

	Timeout        time.Duration // 0 uses DefaultTimeout
	MaxRedirects   int           // 0 uses DefaultMaxRedirects
	UserAgent      string
	AcceptLanguage string
	TLSConfig      *tls.Config // nil uses the shared default
}

// Result is the terminal response of a redirect chain. The caller owns
// Response.Body.
type Result struct {
	Response *http.Response
	FinalURL string
	Resolved netip.Addr
}

// Do fetches rawURL, following up to MaxRedirects redirect hops. rawURL
// must already be normalized. Errors are annotated with the URL of the
// failing hop.
func (c *Client) Do(ctx context.Context, rawURL string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	maxRedirects := c.maxRedirects()
	visited := make(map[string]struct{}, maxRedirects+1)
	current := rawURL

	for hop := 0; ; hop++ {
		if _, seen := visited[current]; seen {
			return nil, TooManyRedirects(current)
		}
		visited[current] = struct{}{}

		resp, addr, err := c.fetchOnce(ctx, current)
		if err != nil {
			fe := Classify(current, err)
			fe.URL = current
			return nil, fe
		}

		if !isRedirect(resp.StatusCode) {
			return &Result{Response: resp, FinalURL: current, Resolved: addr}, nil
		}

		location := resp.Header.Get("Location")
		drainAndClose(resp.Body)
		if location == "" {
			return nil, MissingRedirectLocation(current)
		}
		if hop == maxRedirects {
			return nil, TooManyRedirects(current)
		}

		next, err := c.resolveLocation(current, location)
		if err != nil {
			return nil, err
		}
		current = next
	}
}

// fetchOnce performs a single GET against rawURL over a transport pinned
// to the preflight-resolved address.
func (c *Client) fetchOnce(ctx context.Context, rawURL string) (*http.Response, netip.Addr, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, netip.Addr{}, Validation(rawURL, "invalid URL")
	}

	addr, err := c.Resolver.ResolveAndValidate(ctx, u.Hostname())
	if err != nil {
		return nil, netip.Addr{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, netip.Addr{}, Validation(rawURL, "invalid URL")
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", defaultAccept)
	req.Header.Set("Accept-Language", c.acceptLanguage())

	transport := c.pinnedTransport(addr, portFor(u))
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	return resp, addr, nil
}

// pinnedTransport dials the validated address regardless of what the OS
// resolver would return, while TLS verification still runs against the
// request hostname. Keep-alives are off: each hop uses its own transport
// and the connection is released when the body closes.
func (c *Client) pinnedTransport(addr netip.Addr, port string) *http.Transport {
	pinned := net.JoinHostPort(addr.String(), port)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:     c.tlsConfig(),
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
	}
}

// resolveLocation resolves a Location header against the current hop and
// validates the target before it is followed.
func (c *Client) resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", Validation(current, "invalid URL")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", BadRedirect(current, "invalid redirect location")
	}
	next := base.ResolveReference(ref)

	if next.User != nil {
		return "", BadRedirect(next.String(), "redirect target carries credentials")
	}
	switch strings.ToLower(next.Scheme) {
	case "http", "https":
	default:
		return "", UnsupportedProtocol(next.String(), next.Scheme)
	}
	if c.ValidateRedirect == nil {
		return next.String(), nil
	}
	return c.ValidateRedirect(next.String())
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Client) maxRedirects() int {
	if c.MaxRedirects > 0 {
		return c.MaxRedirects
	}
	return DefaultMaxRedirects
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return DefaultUserAgent
}

func (c *Client) acceptLanguage() string {
	if c.AcceptLanguage != "" {
		return c.AcceptLanguage
	}
	return defaultAcceptLanguage
}

func (c *Client) tlsConfig() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig
	}
	return defaultTLSConfig
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func portFor(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, redirectBodyDrainLimit))
	body.Close()
}
