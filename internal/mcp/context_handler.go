package mcp

import (
	"context"
	"log/slog"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/reqctx"
)

// ContextHandler is an slog.Handler that enriches log records with the
// correlation ids carried by reqctx: request_id, operation_id and
// session_id. Code anywhere in the call tree logs with the slog Context
// variants and gets the ids on every record without passing them
// explicitly.
//
// Usage in main:
//
//	base := slog.NewJSONHandler(os.Stdout, nil)
//	slog.SetDefault(slog.New(mcp.NewContextHandler(base)))
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler creates a new ContextHandler wrapping the given handler.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enriches the record with the ambient correlation ids before
// delegating.
func (h *ContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if info, ok := reqctx.From(ctx); ok {
		if info.RequestID != "" {
			record.AddAttrs(slog.String("request_id", info.RequestID))
		}
		if info.OperationID != "" {
			record.AddAttrs(slog.String("operation_id", info.OperationID))
		}
		if info.SessionID != "" {
			record.AddAttrs(slog.String("session_id", info.SessionID))
		}
	}
	return h.inner.Handle(ctx, record)
}

// WithAttrs returns a new ContextHandler wrapping the inner handler with additional attributes.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup returns a new ContextHandler wrapping the inner handler with a group prefix.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
