// Package config handles loading and validating the fetchd.yaml
// configuration and the environment overrides layered on top of it.
// fetchd runs with zero config; the file and env vars only override
// the built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level fetchd configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Fetcher  FetcherConfig  `yaml:"fetcher"`
	Cache    CacheConfig    `yaml:"cache"`
	Sessions SessionsConfig `yaml:"sessions"`
	Tasks    TasksConfig    `yaml:"tasks"`
}

// ServerConfig covers the inbound HTTP surface.
type ServerConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	AllowedHosts            []string `yaml:"allowed_hosts"`
	BlockPrivateConnections bool     `yaml:"block_private_connections"`
	CORSOrigins             []string `yaml:"cors_origins"`

	// RateLimit is the per-IP request rate in requests/second. Zero uses
	// the built-in default; a negative value disables limiting.
	RateLimit int `yaml:"rate_limit"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// APIKey is env-only (FETCHD_API_KEY); secrets stay out of the file.
	APIKey string `yaml:"-"`
}

// FetcherConfig covers the outbound fetch pipeline.
type FetcherConfig struct {
	TimeoutMS       int    `yaml:"timeout_ms"`
	MaxBytes        int64  `yaml:"max_bytes"`
	MaxInlineChars  int    `yaml:"max_inline_chars"`
	MaxRedirects    int    `yaml:"max_redirects"`
	AllowLocalFetch bool   `yaml:"allow_local_fetch"`
	UserAgent       string `yaml:"user_agent"`
}

// Timeout returns the per-fetch timeout as a duration.
func (f FetcherConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutMS) * time.Millisecond
}

// CacheConfig covers the response cache. Zero limits fall back to the
// cache package defaults.
type CacheConfig struct {
	Enabled       bool  `yaml:"enabled"`
	TTLMS         int   `yaml:"ttl_ms"`
	MaxBytes      int64 `yaml:"max_bytes"`
	MaxEntries    int   `yaml:"max_entries"`
	MaxEntryBytes int64 `yaml:"max_entry_bytes"`
}

// TTL returns the cache entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// SessionsConfig covers the session store.
type SessionsConfig struct {
	TTLMS       int `yaml:"ttl_ms"`
	MaxSessions int `yaml:"max_sessions"`
}

// TTL returns the session idle lifetime as a duration.
func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLMS) * time.Millisecond
}

// TasksConfig covers task quotas. Zero values fall back to the task
// package defaults.
type TasksConfig struct {
	MaxTotal    int `yaml:"max_total"`
	MaxPerOwner int `yaml:"max_per_owner"`
}

// Clamp bounds for numeric knobs. Out-of-range values are pulled back
// into range rather than rejected.
const (
	minFetchTimeoutMS = 1000
	maxFetchTimeoutMS = 60000
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8080",
		},
		Fetcher: FetcherConfig{
			TimeoutMS:    15000,
			MaxBytes:     10 << 20,
			MaxRedirects: 5,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTLMS:   3_600_000,
		},
		Sessions: SessionsConfig{
			TTLMS:       1_800_000,
			MaxSessions: 100,
		},
	}
}

// Load parses a fetchd.yaml file layered over the defaults and
// validates it. If path is empty, returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.clampRanges()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: FETCHD_CONFIG env var > ./fetchd.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("FETCHD_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("fetchd.yaml"); err == nil {
		return "fetchd.yaml"
	}
	return ""
}

// ApplyEnv overlays environment variables onto the config. Unparseable
// values are logged and skipped; out-of-range values are clamped.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("FETCHD_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	} else if port := os.Getenv("PORT"); port != "" {
		c.Server.ListenAddr = ":" + port
	}
	if hosts := os.Getenv("ALLOWED_HOSTS"); hosts != "" {
		c.Server.AllowedHosts = splitList(hosts)
	}
	if v, ok := envBool("SERVER_BLOCK_PRIVATE_CONNECTIONS"); ok {
		c.Server.BlockPrivateConnections = v
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}
	if v, ok := envInt("RATE_LIMIT"); ok {
		c.Server.RateLimit = v
	}
	if cert := os.Getenv("TLS_CERT_FILE"); cert != "" {
		c.Server.TLSCertFile = cert
	}
	if key := os.Getenv("TLS_KEY_FILE"); key != "" {
		c.Server.TLSKeyFile = key
	}
	if apiKey := os.Getenv("FETCHD_API_KEY"); apiKey != "" {
		c.Server.APIKey = apiKey
	}

	if v, ok := envInt("FETCH_TIMEOUT_MS"); ok {
		c.Fetcher.TimeoutMS = v
	}
	if v, ok := envInt64("MAX_HTML_BYTES"); ok {
		c.Fetcher.MaxBytes = v
	}
	if v, ok := envInt("MAX_INLINE_CONTENT_CHARS"); ok {
		c.Fetcher.MaxInlineChars = v
	}
	if v, ok := envInt("MAX_REDIRECTS"); ok {
		c.Fetcher.MaxRedirects = v
	}
	if v, ok := envBool("ALLOW_LOCAL_FETCH"); ok {
		c.Fetcher.AllowLocalFetch = v
	}
	if ua := os.Getenv("USER_AGENT"); ua != "" {
		c.Fetcher.UserAgent = ua
	}

	if v, ok := envBool("CACHE_ENABLED"); ok {
		c.Cache.Enabled = v
	}
	if v, ok := envInt("CACHE_TTL_MS"); ok {
		c.Cache.TTLMS = v
	}
	if v, ok := envInt64("CACHE_MAX_BYTES"); ok {
		c.Cache.MaxBytes = v
	}
	if v, ok := envInt("CACHE_MAX_ENTRIES"); ok {
		c.Cache.MaxEntries = v
	}
	if v, ok := envInt64("CACHE_MAX_ENTRY_BYTES"); ok {
		c.Cache.MaxEntryBytes = v
	}

	if v, ok := envInt("SESSION_TTL_MS"); ok {
		c.Sessions.TTLMS = v
	}
	if v, ok := envInt("MAX_SESSIONS"); ok {
		c.Sessions.MaxSessions = v
	}

	if v, ok := envInt("TASKS_MAX_TOTAL"); ok {
		c.Tasks.MaxTotal = v
	}
	if v, ok := envInt("TASKS_MAX_PER_OWNER"); ok {
		c.Tasks.MaxPerOwner = v
	}

	c.clampRanges()
}

// clampRanges pulls out-of-range numeric knobs back into range.
func (c *Config) clampRanges() {
	if c.Fetcher.TimeoutMS < minFetchTimeoutMS {
		c.Fetcher.TimeoutMS = minFetchTimeoutMS
	}
	if c.Fetcher.TimeoutMS > maxFetchTimeoutMS {
		c.Fetcher.TimeoutMS = maxFetchTimeoutMS
	}
	if c.Fetcher.MaxBytes < 0 {
		c.Fetcher.MaxBytes = 0
	}
	if c.Fetcher.MaxInlineChars < 0 {
		c.Fetcher.MaxInlineChars = 0
	}
	if c.Fetcher.MaxRedirects < 0 {
		c.Fetcher.MaxRedirects = 0
	}
	if c.Sessions.MaxSessions < 1 {
		c.Sessions.MaxSessions = 1
	}
}

// validate checks cross-field requirements.
func (c *Config) validate() error {
	if addr := c.Server.ListenAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("server.listen_addr %q: must be host:port (%w)", addr, err)
		}
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable env var", "name", name, "value", v)
		return 0, false
	}
	return n, true
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring unparseable env var", "name", name, "value", v)
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	switch strings.ToLower(os.Getenv(name)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}
