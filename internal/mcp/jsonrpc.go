package mcp

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const jsonrpcVersion = "2.0"

// JSON-RPC error codes. The -32000 range carries transport-level
// conditions (missing session, capacity); -32002 marks an unknown
// resource and -32800 a cancelled task.
const (
	codeParseError       = -32700
	codeInvalidRequest   = -32600
	codeMethodNotFound   = -32601
	codeInvalidParams    = -32602
	codeInternalError    = -32603
	codeServerError      = -32000
	codeResourceNotFound = -32002
	codeCancelled        = -32800
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether the message carries no id at all.
// A literal null id is not a notification; it is an invalid request.
func (r *rpcRequest) isNotification() bool {
	return len(r.ID) == 0
}

// validID reports whether raw decodes to a string or number. Null ids
// are rejected on requests.
func validID(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64:
		return true
	}
	return false
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcNotification is a server-to-client message pushed over the SSE
// channel.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func rpcResult(id json.RawMessage, v any) rpcResponse {
	return rpcResponse{JSONRPC: jsonrpcVersion, ID: id, Result: v}
}

func rpcFailure(id json.RawMessage, code int, message string, data any) rpcResponse {
	return rpcResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	}
}

// writeRPC writes a JSON-RPC response body with the given HTTP status.
// A nil response id marshals as null, as required for errors raised
// before the request id is known.
func writeRPC(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode JSON-RPC response", "error", err)
	}
}
