// Package auth provides authentication middleware for the fetchd API.
// Deployments without an API key run open (Noop); setting one switches
// every MCP route to static bearer auth. The bearer fingerprint also
// scopes task ownership for callers that have no session yet.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Noop returns a middleware that passes every request through unchanged.
func Noop() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// APIKey returns a middleware requiring "Authorization: Bearer <key>"
// on every route except GET /health, which liveness probes hit without
// credentials. An empty key degrades to Noop. The comparison runs over
// SHA-256 digests in constant time, so neither the key bytes nor the
// key length leak through timing.
func APIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return Noop()
	}
	want := sha256.Sum256([]byte(key))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				deny(w, "missing or invalid Authorization header")
				return
			}
			got := sha256.Sum256([]byte(token))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				deny(w, "invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// deny writes a 401 with a bearer challenge and a JSON body matching
// the transport's error envelope.
func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="fetchd"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"code":"UNAUTHORIZED","type":"AUTHENTICATION","message":%q}}`, msg)
}

// Fingerprint returns a stable identifier for the request's bearer
// token: the hex SHA-256 of the token, or "" when no bearer is present.
// The raw token never leaves this package.
func Fingerprint(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
