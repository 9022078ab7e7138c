package mcp

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Event stream budgets. Streams are long-lived, so both a per-client
// and a process-wide cap are enforced before the stream starts.
const (
	// MaxSSEDuration is the maximum lifetime of a single event stream.
	MaxSSEDuration = 30 * time.Minute

	// MaxSSEPerIP caps concurrent event streams from a single IP.
	MaxSSEPerIP = 10

	// MaxSSEGlobal caps concurrent event streams across all clients.
	MaxSSEGlobal = 1000
)

// SSELimiter counts open event streams per IP and in total. All state
// lives under one mutex; Acquire and Release are single critical
// sections, so the counters can never drift.
type SSELimiter struct {
	mu    sync.Mutex
	total int
	perIP map[string]int
}

// NewSSELimiter creates an empty stream limiter.
func NewSSELimiter() *SSELimiter {
	return &SSELimiter{perIP: make(map[string]int)}
}

// Acquire registers a stream for ip. It returns false when either
// budget is spent. A true return obligates the caller to Release once
// the stream ends.
func (l *SSELimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= MaxSSEGlobal || l.perIP[ip] >= MaxSSEPerIP {
		return false
	}
	l.total++
	l.perIP[ip]++
	return true
}

// Release returns ip's slot. The map entry is dropped at zero so idle
// IPs do not accumulate.
func (l *SSELimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total > 0 {
		l.total--
	}
	if n := l.perIP[ip]; n <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = n - 1
	}
}

// GlobalCount reports the number of open streams.
func (l *SSELimiter) GlobalCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.total)
}

// IPCount reports the number of open streams for ip.
func (l *SSELimiter) IPCount(ip string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.perIP[ip])
}

// clientIP extracts the client IP, preferring X-Real-Ip (set by the
// RealIP middleware) and stripping the port from RemoteAddr.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
