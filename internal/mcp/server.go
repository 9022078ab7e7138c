// Package mcp provides the Streamable HTTP transport for fetchd: a
// JSON-RPC endpoint at /mcp with per-session SSE event streams, plus
// unauthenticated health and metrics endpoints.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/cache"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/session"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/task"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/tool"
)

// maxJSONBodySize is the maximum size for JSON-RPC request bodies (1MB).
const maxJSONBodySize = 1 << 20

// DefaultMaxSessions caps concurrent sessions when the Server leaves
// MaxSessions at zero.
const DefaultMaxSessions = 100

// Server holds dependencies for the MCP transport handlers.
type Server struct {
	Tool     *tool.FetchURL
	Sessions *session.Store
	Tasks    *task.Manager
	Cache    *cache.Cache

	Auth        func(http.Handler) http.Handler
	CORSOrigins []string // Allowed CORS origins. Defaults to ["http://localhost:3000"].

	// AllowedHosts restricts the request Host header when non-empty.
	// Entries may carry a port; comparison is case-insensitive.
	AllowedHosts []string

	// BlockPrivateConnections rejects requests whose source address is
	// private or link-local. Loopback stays allowed.
	BlockPrivateConnections bool

	// MaxSessions caps concurrent sessions. Zero uses DefaultMaxSessions.
	MaxSessions int

	RateLimit       *RateLimitConfig // Per-IP rate limiting config. Nil disables rate limiting.
	RateLimiterStop func()           // Populated by NewRouter when rate limiting is enabled.
	SSELimiter      *SSELimiter      // Concurrent SSE connection limiter. Nil = uses a default limiter.

	// HealthCheckers are optional readiness dependencies, keyed by name.
	// fetchd needs none by default; plugins or embedders may register some.
	HealthCheckers map[string]HealthChecker

	mu   sync.Mutex
	subs map[string]map[string]struct{} // session id -> subscribed resource URIs
}

func (s *Server) maxSessions() int {
	if s.MaxSessions > 0 {
		return s.MaxSessions
	}
	return DefaultMaxSessions
}

// releaseSession cancels the session's tasks and drops its resource
// subscriptions. Closing the transport is the caller's concern.
func (s *Server) releaseSession(e *session.Entry) {
	if s.Tasks != nil {
		s.Tasks.CancelByOwner(e.ID, "session closed")
	}
	s.dropSubscriptions(e.ID)
}

// CloseHook adapts releaseSession for the session sweeper and the
// shutdown drain, both of which close the transport themselves.
func (s *Server) CloseHook() session.CloseHook {
	return func(_ context.Context, e *session.Entry) error {
		s.releaseSession(e)
		return nil
	}
}

// destroySession releases per-session state and closes the event
// stream. Used when the server itself removes a session.
func (s *Server) destroySession(ctx context.Context, e *session.Entry) {
	s.releaseSession(e)
	if e.Transport != nil {
		if err := e.Transport.Close(); err != nil {
			slog.WarnContext(ctx, "session transport close failed", "session_id", e.ID, "error", err)
		}
	}
}

// NewRouter creates a configured chi router with the MCP endpoint and
// the health and metrics endpoints mounted.
func NewRouter(srv *Server) chi.Router {
	// Ensure SSE limiter is always available.
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter()
	}
	if srv.Cache != nil {
		srv.Cache.OnUpdate(srv.onCacheUpdate)
	}

	r := chi.NewRouter()

	// Middleware
	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	// When AllowCredentials is true, Access-Control-Allow-Origin MUST NOT
	// be "*". If the caller configured "*", use AllowOriginFunc to reflect
	// the request Origin header instead.
	hasWildcard := false
	for _, o := range corsOrigins {
		if o == "*" {
			hasWildcard = true
			break
		}
	}

	corsOpts := cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			headerSessionID, headerProtocolVersion, "Last-Event-ID", "X-Request-ID",
		},
		ExposedHeaders: []string{
			headerSessionID, "X-Request-ID",
			"RateLimit-Limit", "RateLimit-Remaining", "Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           300,
	}

	if hasWildcard {
		slog.Warn("CORS: wildcard origin '*' with AllowCredentials, using dynamic origin reflection")
		corsOpts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		corsOpts.AllowedOrigins = corsOrigins
	}

	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health & metrics (unauthenticated)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Route("/mcp", func(r chi.Router) {
		r.Use(limitJSONBody)
		if len(srv.AllowedHosts) > 0 {
			r.Use(hostGuard(srv.AllowedHosts))
		}
		if srv.BlockPrivateConnections {
			r.Use(privateSourceGuard)
		}
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}
		r.Post("/", srv.handlePost)
		r.Get("/", srv.handleGet)
		r.Delete("/", srv.handleDelete)
	})

	return r
}

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation     = "VALIDATION"     // request data failed validation
	ErrorTypeAuthentication = "AUTHENTICATION" // missing or invalid credentials
	ErrorTypeAuthorization  = "AUTHORIZATION"  // request refused for this caller
	ErrorTypeNotFound       = "NOT_FOUND"      // requested resource does not exist
	ErrorTypeRateLimit      = "RATE_LIMIT"     // too many requests
	ErrorTypeInternal       = "INTERNAL"       // unexpected server error
	ErrorTypeUnavailable    = "UNAVAILABLE"    // dependency or capacity not available
)

// APIError is the structured JSON error envelope for non-RPC failures
// (guards, rate limiting, stream admission).
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return ErrorTypeAuthorization
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. The type field is
// derived from the HTTP status code.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0") // modern browsers: CSP replaces this
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// hostGuard rejects requests whose Host header is not on the allow-list.
// Both host:port and bare-host entries are honoured.
func hostGuard(allowed []string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, h := range allowed {
		set[strings.ToLower(h)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := strings.ToLower(r.Host)
			if _, ok := set[host]; !ok {
				bare := host
				if h, _, err := net.SplitHostPort(r.Host); err == nil {
					bare = strings.ToLower(h)
				}
				if _, ok := set[bare]; !ok {
					errorJSON(w, "host not allowed", "HOST_NOT_ALLOWED", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// privateSourceGuard rejects requests originating from private or
// link-local addresses. Loopback stays allowed so a local operator can
// still reach a guarded server. Runs after RealIP so proxied requests
// are judged by their original source.
func privateSourceGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if addr, err := netip.ParseAddr(ip); err == nil {
			addr = addr.Unmap()
			if addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
				errorJSON(w, "requests from private addresses are not allowed", "PRIVATE_SOURCE", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
