// fetchd is the fetch-url MCP server.
// It serves the Streamable HTTP transport, fetches public web content
// through the SSRF guard pipeline, and returns Markdown tool results.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/auth"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/cache"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/config"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/fetch"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/mcp"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/policy"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/resolver"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/session"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/task"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/tool"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/urlutil"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	// Validate listen address format (host:port).
	if addr := os.Getenv("FETCHD_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("FETCHD_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	// Validate PORT is numeric.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}

	// Validate integer-typed env vars.
	for _, name := range []string{
		"FETCH_TIMEOUT_MS", "MAX_HTML_BYTES", "MAX_INLINE_CONTENT_CHARS", "MAX_REDIRECTS",
		"CACHE_TTL_MS", "CACHE_MAX_BYTES", "CACHE_MAX_ENTRIES", "CACHE_MAX_ENTRY_BYTES",
		"SESSION_TTL_MS", "MAX_SESSIONS", "TASKS_MAX_TOTAL", "TASKS_MAX_PER_OWNER",
		"RATE_LIMIT",
	} {
		if v := os.Getenv(name); v != "" {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be an integer", name, v))
			}
		}
	}

	// Validate TLS cert/key are set together and point at readable files.
	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	if (certFile == "") != (keyFile == "") {
		errs = append(errs, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	for _, f := range []string{certFile, keyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			errs = append(errs, fmt.Sprintf("%s: not readable (%v)", f, err))
		}
	}

	return errs
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /fetchd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Context-aware slog handler so request_id, operation_id, and
	// session_id ride along on every log record.
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(mcp.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	// Validate critical environment variables before wiring anything.
	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	// Load config: FETCHD_CONFIG env > ./fetchd.yaml > built-in defaults.
	// Environment variables override file values.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}
	cfg.ApplyEnv()

	if cfg.Fetcher.AllowLocalFetch {
		slog.Warn("ALLOW_LOCAL_FETCH is enabled — the fetcher will reach private and loopback addresses")
	}

	// SSRF guard pipeline: one host policy shared by the URL normalizer,
	// the DNS resolver, and redirect validation.
	hostPolicy := policy.Default(cfg.Fetcher.AllowLocalFetch)
	normalizer := &urlutil.Normalizer{Policy: hostPolicy}
	dnsResolver := &resolver.Resolver{Policy: hostPolicy}
	fetcher := &fetch.Client{
		Resolver:         dnsResolver,
		ValidateRedirect: normalizer.ValidateAndNormalize,
		Timeout:          cfg.Fetcher.Timeout(),
		MaxRedirects:     cfg.Fetcher.MaxRedirects,
		UserAgent:        cfg.Fetcher.UserAgent,
	}

	docCache := cache.New(cache.Options{
		Enabled:       cfg.Cache.Enabled,
		TTL:           cfg.Cache.TTL(),
		MaxBytes:      cfg.Cache.MaxBytes,
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxEntryBytes: cfg.Cache.MaxEntryBytes,
	})
	tasks := task.New(task.Options{
		MaxTotal:    cfg.Tasks.MaxTotal,
		MaxPerOwner: cfg.Tasks.MaxPerOwner,
	})
	sessions := session.New(session.Options{TTL: cfg.Sessions.TTL()})

	fetchTool := &tool.FetchURL{
		Normalizer:     normalizer,
		Fetcher:        fetcher,
		Cache:          docCache,
		Tasks:          tasks,
		Translator:     tool.PassthroughTranslator{},
		Telemetry:      fetch.NewTelemetry(),
		MaxBytes:       cfg.Fetcher.MaxBytes,
		MaxInlineChars: cfg.Fetcher.MaxInlineChars,
	}

	srv := &mcp.Server{
		Tool:                    fetchTool,
		Sessions:                sessions,
		Tasks:                   tasks,
		Cache:                   docCache,
		CORSOrigins:             cfg.Server.CORSOrigins,
		AllowedHosts:            cfg.Server.AllowedHosts,
		BlockPrivateConnections: cfg.Server.BlockPrivateConnections,
		MaxSessions:             cfg.Sessions.MaxSessions,
	}

	// Auth middleware: API key when configured, otherwise open.
	if cfg.Server.APIKey != "" {
		srv.Auth = auth.APIKey(cfg.Server.APIKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
	}

	// Per-IP rate limiting (disable with RATE_LIMIT=-1).
	if cfg.Server.RateLimit >= 0 {
		rlCfg := mcp.DefaultRateLimitConfig()
		if cfg.Server.RateLimit > 0 {
			rlCfg.RequestsPerSecond = float64(cfg.Server.RateLimit)
			rlCfg.Burst = cfg.Server.RateLimit * 2
		}
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	router := mcp.NewRouter(srv)

	// Background daemons: idle session sweeper and task GC.
	ctx := context.Background()
	sweeper := &session.Sweeper{Store: sessions, OnEvict: srv.CloseHook()}
	sweeper.Start(ctx)
	tasks.StartGC(ctx)
	slog.Info("session sweeper started", "interval", session.SweepInterval(sessions.TTL()).String())

	addr := cfg.Server.ListenAddr

	// Warn if listening on all interfaces without authentication.
	if strings.HasPrefix(addr, "0.0.0.0") && cfg.Server.APIKey == "" {
		slog.Warn("listening on 0.0.0.0 without FETCHD_API_KEY — server is unauthenticated and accessible from the network")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE streams write for up to MaxSSEDuration.
		IdleTimeout:       120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}

	// Start HTTP(S) server in a goroutine.
	errCh := make(chan error, 1)
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		go func() {
			errCh <- httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		}()
		slog.Info("starting fetchd (HTTPS)", "addr", addr, "version", mcp.Version)
	} else {
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()
		slog.Info("starting fetchd", "addr", addr, "version", mcp.Version)
	}

	// Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections (15s timeout).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Ordered cleanup: sweeper → running tasks → session drain → rate limiter.
	sweeper.Stop()
	slog.Info("session sweeper stopped")

	tasks.AbortAll()
	tasks.StopGC()
	slog.Info("task manager stopped")

	if drained := sessions.Drain(); len(drained) > 0 {
		session.CloseAll(shutdownCtx, drained, srv.CloseHook())
		slog.Info("sessions drained", "count", len(drained))
	}

	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}

	slog.Info("fetchd shutdown complete")
}
