package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/auth"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/reqctx"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/session"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/task"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/tool"
)

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Task      *taskParams     `json:"task,omitempty"`
	Meta      *callMeta       `json:"_meta,omitempty"`
}

type taskParams struct {
	TTL int64 `json:"ttl"` // milliseconds
}

type callMeta struct {
	ProgressToken any `json:"progressToken,omitempty"`
}

// handlePost is the single JSON-RPC ingress. Exactly one message per
// request; batches are rejected.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if !checkSensitiveHeaders(w, r) {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPC(w, http.StatusBadRequest, rpcFailure(nil, codeParseError, "unable to read request body", nil))
		return
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		writeRPC(w, http.StatusBadRequest, rpcFailure(nil, codeInvalidRequest, "batch requests are not supported", nil))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		writeRPC(w, http.StatusBadRequest, rpcFailure(nil, codeParseError, "malformed JSON-RPC message", nil))
		return
	}
	if req.JSONRPC != jsonrpcVersion {
		writeRPC(w, http.StatusBadRequest, rpcFailure(nil, codeInvalidRequest, `jsonrpc version must be "2.0"`, nil))
		return
	}
	if len(req.ID) > 0 && !validID(req.ID) {
		writeRPC(w, http.StatusBadRequest, rpcFailure(nil, codeInvalidRequest, "request id must be a string or number", nil))
		return
	}

	if req.Method == "initialize" {
		s.handleInitialize(w, r, &req)
		return
	}

	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		writeRPC(w, http.StatusBadRequest, rpcFailure(req.ID, codeServerError, "missing Mcp-Session-Id header", nil))
		return
	}
	entry, ok := s.Sessions.Get(sid)
	if !ok {
		writeRPC(w, http.StatusNotFound, rpcFailure(req.ID, codeServerError, "session not found", nil))
		return
	}
	if !checkProtocolVersion(w, r, req.ID) {
		return
	}
	s.Sessions.Touch(sid)

	info, _ := reqctx.From(r.Context())
	info.SessionID = entry.ID
	info.OperationID = uuid.NewString()
	ctx := reqctx.With(r.Context(), info)

	if req.isNotification() {
		s.handleNotification(ctx, entry, &req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writeRPC(w, http.StatusOK, s.dispatch(ctx, entry, &req))
}

// handleInitialize performs the protocol handshake and mints a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	if req.isNotification() {
		writeRPC(w, http.StatusBadRequest, rpcFailure(nil, codeInvalidRequest, "initialize requires a request id", nil))
		return
	}
	if !acceptContains(r, "application/json") || !acceptContains(r, "text/event-stream") {
		writeRPC(w, http.StatusNotAcceptable, rpcFailure(req.ID, codeServerError,
			"Accept must include application/json and text/event-stream", nil))
		return
	}
	if sid := r.Header.Get(headerSessionID); sid != "" {
		if _, ok := s.Sessions.Get(sid); ok {
			writeRPC(w, http.StatusBadRequest, rpcFailure(req.ID, codeInvalidRequest, "session is already initialized", nil))
			return
		}
	}

	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPC(w, http.StatusBadRequest, rpcFailure(req.ID, codeInvalidParams, "malformed initialize params", nil))
			return
		}
	}
	version := negotiateVersion(params.ProtocolVersion)

	if !s.reserveSession(r.Context()) {
		writeRPC(w, http.StatusServiceUnavailable, rpcFailure(req.ID, codeServerError, "session capacity exhausted", nil))
		return
	}
	defer s.Sessions.ReleaseSlot()

	e := &session.Entry{
		ID:              uuid.NewString(),
		ProtocolVersion: version,
		AuthFingerprint: auth.Fingerprint(r),
	}
	s.Sessions.Put(e)

	w.Header().Set(headerSessionID, e.ID)
	writeRPC(w, http.StatusOK, rpcResult(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools":       map[string]any{"listChanged": false},
			"resources":   map[string]any{"subscribe": true, "listChanged": true},
			"completions": map[string]any{},
			"tasks":       map[string]any{"list": true, "cancel": true},
		},
		ServerInfo:   serverInfo{Name: "fetchd", Version: Version},
		Instructions: "Fetch public URLs as Markdown with the fetch-url tool.",
	}))
	slog.InfoContext(r.Context(), "session initialized",
		"session_id", e.ID, "protocol_version", version, "client", params.ClientInfo.Name)
}

// reserveSession claims a capacity slot, evicting the oldest session
// once when the store is full.
func (s *Server) reserveSession(ctx context.Context) bool {
	limit := s.maxSessions()
	if s.Sessions.ReserveSlot(limit) {
		return true
	}
	evicted, ok := s.Sessions.EvictOldest()
	if !ok {
		return false
	}
	slog.InfoContext(ctx, "evicting oldest session to free capacity", "session_id", evicted.ID)
	s.destroySession(ctx, evicted)
	return s.Sessions.ReserveSlot(limit)
}

func (s *Server) handleNotification(ctx context.Context, entry *session.Entry, req *rpcRequest) {
	switch req.Method {
	case "notifications/initialized":
		s.Sessions.MarkInitialized(entry.ID)
		slog.InfoContext(ctx, "session handshake completed", "session_id", entry.ID)
	case "notifications/cancelled":
		// POST handling is synchronous; nothing is in flight to abort by
		// the time this arrives. Task-augmented calls use tasks/cancel.
	default:
		slog.DebugContext(ctx, "ignoring client notification", "method", req.Method)
	}
}

func (s *Server) dispatch(ctx context.Context, entry *session.Entry, req *rpcRequest) rpcResponse {
	switch req.Method {
	case "ping":
		return rpcResult(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, entry, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	case "resources/subscribe":
		return s.handleResourcesSubscribe(entry, req)
	case "resources/unsubscribe":
		return s.handleResourcesUnsubscribe(entry, req)
	case "completion/complete":
		return s.handleCompletionComplete(req)
	case "tasks/get":
		return s.handleTasksGet(entry, req)
	case "tasks/list":
		return s.handleTasksList(entry, req)
	case "tasks/cancel":
		return s.handleTasksCancel(entry, req)
	case "tasks/result":
		return s.handleTasksResult(ctx, entry, req)
	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			return rpcFailure(req.ID, codeInvalidRequest, "notifications must not carry a request id", nil)
		}
		return rpcFailure(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (s *Server) handleToolsList(req *rpcRequest) rpcResponse {
	return rpcResult(req.ID, map[string]any{
		"tools": []tool.Definition{s.Tool.Definition()},
	})
}

func (s *Server) handleToolsCall(ctx context.Context, entry *session.Entry, req *rpcRequest) rpcResponse {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcFailure(req.ID, codeInvalidParams, "malformed tools/call params", nil)
	}
	if params.Name != tool.Name {
		return rpcFailure(req.ID, codeInvalidParams, "unknown tool: "+params.Name, nil)
	}
	var args tool.Args
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return rpcFailure(req.ID, codeInvalidParams, "malformed tool arguments", nil)
		}
	}

	callReq := tool.CallRequest{
		Args: args,
		Caller: tool.Caller{
			SessionID:   entry.ID,
			TokenDigest: entry.AuthFingerprint,
		},
	}
	if params.Meta != nil && params.Meta.ProgressToken != nil {
		token := params.Meta.ProgressToken
		sid := entry.ID
		callReq.Progress = func(_ context.Context, progress, total float64, message string) {
			s.notify(sid, notifyProgress, map[string]any{
				"progressToken": token,
				"progress":      progress,
				"total":         total,
				"message":       message,
			})
		}
	}

	if params.Task != nil {
		t, err := s.Tool.CallAsync(ctx, callReq, params.Task.TTL)
		switch {
		case errors.Is(err, tool.ErrInvalidTaskTTL):
			return rpcFailure(req.ID, codeInvalidParams, err.Error(), nil)
		case errors.Is(err, task.ErrCapacity):
			return rpcFailure(req.ID, codeServerError, err.Error(), nil)
		case err != nil:
			return rpcFailure(req.ID, codeInternalError, "task creation failed", nil)
		}
		return rpcResult(req.ID, createTaskResult(t))
	}

	return rpcResult(req.ID, s.Tool.Call(ctx, callReq))
}

func (s *Server) handleCompletionComplete(req *rpcRequest) rpcResponse {
	// The fetch-url tool has no completable arguments; an empty page
	// tells the client so.
	return rpcResult(req.ID, map[string]any{
		"completion": map[string]any{
			"values":  []string{},
			"total":   0,
			"hasMore": false,
		},
	})
}
