package mcp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/reqctx"
)

// loggedWriter records the status code and body size of a response.
// The net/http ResponseWriter exposes neither after the handler
// returns.
type loggedWriter struct {
	http.ResponseWriter
	code  int
	bytes int
	wrote bool
}

func (lw *loggedWriter) WriteHeader(code int) {
	if !lw.wrote {
		lw.code = code
		lw.wrote = true
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggedWriter) Write(b []byte) (int, error) {
	if !lw.wrote {
		lw.WriteHeader(http.StatusOK)
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer so http.NewResponseController can
// reach the real connection. The event stream handler flushes through
// it.
func (lw *loggedWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// skipLogging reports whether the path is probed too often to log.
// Orchestrator liveness checks hit /health and /health/live every few
// seconds; /health/ready stays logged since it reflects dependency
// state.
func skipLogging(path string) bool {
	switch path {
	case "/health", "/health/live":
		return true
	}
	return false
}

// levelFor maps a response status to a log level: Error for 5xx, Warn
// for 4xx, Info otherwise.
func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RequestLogger emits one structured record per request: method, path,
// status, duration, request and response sizes, and the request id when
// the RequestID middleware ran first.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipLogging(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		lw := &loggedWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(lw, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", lw.code),
			slog.String("duration", time.Since(start).String()),
			slog.Int64("request_size", r.ContentLength),
			slog.Int("response_size", lw.bytes),
		}
		if id := reqctx.RequestID(r.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		slog.LogAttrs(r.Context(), levelFor(lw.code), "request completed", attrs...)
	})
}
