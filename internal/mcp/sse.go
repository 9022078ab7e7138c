package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Server-to-client notification methods delivered over the event stream.
const (
	notifyProgress             = "notifications/progress"
	notifyResourcesUpdated     = "notifications/resources/updated"
	notifyResourcesListChanged = "notifications/resources/list_changed"
)

// streamBuffer is how many pending events a stream holds before new
// ones are dropped.
const streamBuffer = 64

// keepaliveInterval is how often a comment line is written to keep
// intermediaries from timing out an idle stream.
const keepaliveInterval = 15 * time.Second

type streamEvent struct {
	id   uint64
	data []byte
}

// stream is the server half of one session's SSE channel. It satisfies
// io.Closer so the session store can hold it as the entry's transport.
type stream struct {
	ch        chan streamEvent
	done      chan struct{}
	closeOnce sync.Once
	nextID    atomic.Uint64
}

func newStream() *stream {
	return &stream{
		ch:   make(chan streamEvent, streamBuffer),
		done: make(chan struct{}),
	}
}

// send queues data for delivery under a monotonic event id. A full or
// closed stream drops the event and reports false; a notification is
// never worth blocking its producer.
func (st *stream) send(data []byte) bool {
	select {
	case <-st.done:
		return false
	default:
	}
	ev := streamEvent{id: st.nextID.Add(1), data: data}
	select {
	case st.ch <- ev:
		return true
	default:
		return false
	}
}

// Close wakes the serving handler and marks the stream dead. Safe to
// call more than once.
func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.done) })
	return nil
}

// handleGet opens the session's SSE event stream. A reconnect replaces
// and closes the previous stream for the same session.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !checkSensitiveHeaders(w, r) {
		return
	}
	if !acceptContains(r, "text/event-stream") {
		errorJSON(w, "Accept must include text/event-stream", "NOT_ACCEPTABLE", http.StatusNotAcceptable)
		return
	}
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		errorJSON(w, "missing Mcp-Session-Id header", "MISSING_SESSION", http.StatusBadRequest)
		return
	}
	if _, ok := s.Sessions.Get(sid); !ok {
		errorJSON(w, "session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
		return
	}

	ip := clientIP(r)
	if !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many concurrent event streams", "SSE_LIMIT_EXCEEDED", http.StatusTooManyRequests)
		return
	}
	defer s.SSELimiter.Release(ip)

	st := newStream()
	prev, ok := s.Sessions.SetTransport(sid, st)
	if !ok {
		// The session expired between the lookup and the attach.
		errorJSON(w, "session not found", "SESSION_NOT_FOUND", http.StatusNotFound)
		return
	}
	if prev != nil {
		_ = prev.Close()
	}
	defer func() {
		s.Sessions.ClearTransport(sid, st)
		_ = st.Close()
	}()

	ctx, cancel := context.WithTimeout(r.Context(), MaxSSEDuration)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The logging middleware wraps the writer, so flush through the
	// response controller, which follows Unwrap to the real connection.
	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	flush()

	slog.DebugContext(ctx, "event stream opened", "session_id", sid)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.done:
			return
		case ev := <-st.ch:
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.id, ev.data)
			flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flush()
		}
	}
}

// handleDelete closes the session and everything hanging off it.
// Responds 204 whether or not the session existed; DELETE is idempotent.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !checkSensitiveHeaders(w, r) {
		return
	}
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if entry, ok := s.Sessions.Remove(sid); ok {
		s.destroySession(r.Context(), entry)
		slog.InfoContext(r.Context(), "session closed by client", "session_id", sid)
	}
	w.WriteHeader(http.StatusNoContent)
}

// notify marshals a notification and queues it on the session's event
// stream, if one is connected. Slow streams drop events rather than
// block the producer.
func (s *Server) notify(sessionID, method string, params any) {
	tr, ok := s.Sessions.Transport(sessionID)
	if !ok {
		return
	}
	st, ok := tr.(*stream)
	if !ok {
		return
	}
	data, err := json.Marshal(rpcNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		slog.Error("failed to encode notification", "method", method, "error", err)
		return
	}
	if !st.send(data) {
		slog.Debug("dropped event for slow or closed stream", "session_id", sessionID, "method", method)
	}
}

// broadcast queues a notification on every connected session stream.
func (s *Server) broadcast(method string, params any) {
	for _, sid := range s.Sessions.IDs() {
		s.notify(sid, method, params)
	}
}
