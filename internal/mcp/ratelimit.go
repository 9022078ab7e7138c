package mcp

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// staleVisitorAfter is how long an IP may stay idle before its bucket
// is dropped by the sweep loop.
const staleVisitorAfter = 10 * time.Minute

// RateLimitConfig configures the per-IP rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64       // Token refill rate.
	Burst             int           // Bucket capacity.
	CleanupInterval   time.Duration // Sweep period for idle IP buckets.
}

// DefaultRateLimitConfig returns sensible defaults (50 req/s, burst of 100).
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		CleanupInterval:   5 * time.Minute,
	}
}

// visitor is one client's token bucket. tokens refills continuously at
// the configured rate, capped at the burst size.
type visitor struct {
	tokens float64
	last   time.Time
}

// RateLimiter tracks a token bucket per client IP. Safe for concurrent
// use; one instance guards the whole /mcp endpoint.
type RateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	visitors map[string]*visitor

	stop     chan struct{}
	stopOnce sync.Once
}

// take refills the visitor's bucket and spends one token. remaining is
// the floor of the balance after the spend; wait is how long until the
// next token exists, zero when the request was allowed.
func (rl *RateLimiter) take(ip string) (ok bool, remaining int, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	v, seen := rl.visitors[ip]
	if !seen {
		v = &visitor{tokens: float64(rl.cfg.Burst), last: now}
		rl.visitors[ip] = v
	}

	v.tokens += now.Sub(v.last).Seconds() * rl.cfg.RequestsPerSecond
	if burst := float64(rl.cfg.Burst); v.tokens > burst {
		v.tokens = burst
	}
	v.last = now

	if v.tokens >= 1 {
		v.tokens--
		return true, int(v.tokens), 0
	}

	if rl.cfg.RequestsPerSecond > 0 {
		wait = time.Duration((1 - v.tokens) / rl.cfg.RequestsPerSecond * float64(time.Second))
	}
	if wait <= 0 {
		wait = time.Second
	}
	return false, 0, wait
}

// sweep drops buckets whose owner has not been seen for staleVisitorAfter.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if now.Sub(v.last) > staleVisitorAfter {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop terminates the background sweep goroutine. Idempotent.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimit builds the per-IP limiting middleware. Every response
// carries RateLimit-Limit and RateLimit-Remaining; a denied request is
// answered 429 with Retry-After rounded up to whole seconds.
func RateLimit(cfg RateLimitConfig) (*RateLimiter, func(http.Handler) http.Handler) {
	rl := &RateLimiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go rl.sweep()

	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, remaining, wait := rl.take(clientIP(r))

			h := w.Header()
			h.Set("RateLimit-Limit", strconv.Itoa(cfg.Burst))
			h.Set("RateLimit-Remaining", strconv.Itoa(remaining))

			if !ok {
				secs := int64((wait + time.Second - 1) / time.Second)
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.FormatInt(secs, 10))
				errorJSON(w, "rate limit exceeded", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return rl, mw
}
