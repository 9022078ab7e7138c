// Package reqctx carries per-request correlation ids through context.
// The transport attaches an Info at ingress; telemetry and logging read
// it to correlate events with their originating call.
package reqctx

import "context"

type key struct{}

// Info identifies the RPC a unit of work belongs to.
type Info struct {
	RequestID   string
	OperationID string
	SessionID   string
}

// With returns a context carrying info. Nested operations inherit it;
// they never mutate it.
func With(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, key{}, info)
}

// From returns the Info attached to ctx, if any.
func From(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(key{}).(Info)
	return info, ok
}

// RequestID returns the ambient request id, or "" when none is attached.
func RequestID(ctx context.Context) string {
	info, _ := From(ctx)
	return info.RequestID
}

// OperationID returns the ambient operation id, or "".
func OperationID(ctx context.Context) string {
	info, _ := From(ctx)
	return info.OperationID
}

// SessionID returns the ambient session id, or "".
func SessionID(ctx context.Context) string {
	info, _ := From(ctx)
	return info.SessionID
}
