package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
)

// Protocol revisions this server speaks, oldest first.
var supportedProtocolVersions = []string{
	"2024-11-05",
	"2025-03-26",
	"2025-06-18",
}

// latestProtocolVersion is offered when the client requests an unknown
// revision.
const latestProtocolVersion = "2025-06-18"

// sensitiveHeaders must appear at most once per request. Duplicates are
// a smuggling vector through intermediaries that disagree on which copy
// wins. Host duplicates never reach the handler; net/http rejects them.
var sensitiveHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Origin",
	"Content-Length",
	headerSessionID,
}

// checkSensitiveHeaders rejects requests carrying a duplicated
// security-relevant header. It writes the error response itself and
// reports whether processing may continue.
func checkSensitiveHeaders(w http.ResponseWriter, r *http.Request) bool {
	for _, h := range sensitiveHeaders {
		if len(r.Header.Values(h)) > 1 {
			msg := fmt.Sprintf("duplicate %s header", strings.ToLower(h))
			writeRPC(w, http.StatusBadRequest, rpcFailure(nil, codeInvalidRequest, msg, nil))
			return false
		}
	}
	return true
}

// acceptContains reports whether the request's Accept header covers
// mediaType, honouring */* and type/* wildcards. mediaType must be
// lowercase. An absent Accept header accepts nothing here; the
// handshake demands an explicit one.
func acceptContains(r *http.Request, mediaType string) bool {
	for _, hv := range r.Header.Values("Accept") {
		for _, part := range strings.Split(hv, ",") {
			mt := strings.TrimSpace(part)
			if i := strings.IndexByte(mt, ';'); i >= 0 {
				mt = strings.TrimSpace(mt[:i])
			}
			mt = strings.ToLower(mt)
			if mt == mediaType || mt == "*/*" {
				return true
			}
			if i := strings.IndexByte(mediaType, '/'); i >= 0 && mt == mediaType[:i]+"/*" {
				return true
			}
		}
	}
	return false
}

func negotiateVersion(requested string) string {
	if slices.Contains(supportedProtocolVersions, requested) {
		return requested
	}
	return latestProtocolVersion
}

// checkProtocolVersion enforces the Mcp-Protocol-Version header on
// every post-handshake request. It writes the error response itself
// and reports whether processing may continue.
func checkProtocolVersion(w http.ResponseWriter, r *http.Request, id json.RawMessage) bool {
	v := r.Header.Get(headerProtocolVersion)
	if v == "" {
		writeRPC(w, http.StatusBadRequest, rpcFailure(id, codeServerError, "missing Mcp-Protocol-Version header", nil))
		return false
	}
	if !slices.Contains(supportedProtocolVersions, v) {
		writeRPC(w, http.StatusBadRequest, rpcFailure(id, codeServerError, "unsupported protocol version: "+v, nil))
		return false
	}
	return true
}
