package mcp

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/reqctx"
)

// requestIDHeader is the HTTP header name for request ID propagation.
// The canonical X-Request-ID header is recognised by proxies, load
// balancers, and observability tools.
const requestIDHeader = "X-Request-ID"

// RequestID is middleware that propagates or generates a request id for
// every request. The id rides the context as reqctx.Info, where
// ContextHandler picks it up for every log record emitted through the
// slog Context variants. The RPC dispatcher later adds the operation
// and session ids to the same Info.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		info, _ := reqctx.From(r.Context())
		info.RequestID = id
		ctx := reqctx.With(r.Context(), info)

		// Set response header so clients can correlate.
		w.Header().Set(requestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
