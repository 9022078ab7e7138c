package mcp

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each dependency probe during a readiness check.
const checkTimeout = 2 * time.Second

// Build metadata, overridable at link time:
//
//	go build -ldflags "-X .../internal/mcp.Version=1.2.0 -X .../internal/mcp.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// startTime anchors the uptime gauge.
var startTime = time.Now()

// HealthChecker verifies that a dependency is reachable and healthy.
// Implementations should be lightweight.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // failure detail when status is "error"
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// buildInfo carries the fields every health payload shares.
func buildInfo() map[string]any {
	return map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	}
}

// HandleHealthLive answers liveness probes. It never consults
// dependencies and always returns 200 while the process can serve.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildInfo())
}

// HandleHealthReady probes every registered dependency concurrently,
// each under its own timeout, and returns 503 when any fails. fetchd
// needs no external dependency by default, so an unconfigured server is
// always ready.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]CheckResult, len(s.HealthCheckers))

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(r.Context())
	for name, checker := range s.HealthCheckers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			res := CheckResult{Status: "ok"}
			if err := checker.HealthCheck(probeCtx); err != nil {
				res = CheckResult{Status: "error", Error: err.Error()}
			}
			mu.Lock()
			checks[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := ReadinessResponse{Status: "ready", Checks: checks}
	for _, res := range checks {
		if res.Status != "ok" {
			resp.Status = "not_ready"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports liveness plus the live session, task and cache
// counts.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	body := buildInfo()
	if s.Sessions != nil {
		body["sessions"] = map[string]any{
			"active":    s.Sessions.Len(),
			"in_flight": s.Sessions.InFlight(),
		}
	}
	if s.Tasks != nil {
		body["tasks"] = map[string]any{"tracked": s.Tasks.Len()}
	}
	if s.Cache != nil {
		body["cache"] = map[string]any{
			"enabled": s.Cache.Enabled(),
			"entries": s.Cache.Len(),
			"bytes":   s.Cache.Bytes(),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// gauge is one exposition-format metric.
type gauge struct {
	name  string
	help  string
	kind  string // "gauge" or "counter"
	value int64
}

// HandleMetrics exposes process and domain gauges in Prometheus text
// exposition format. Plain Fprintf keeps the dependency surface small;
// swap in prometheus/client_golang if histograms are ever needed.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	metrics := []gauge{
		{"fetchd_goroutines", "Number of goroutines.", "gauge", int64(runtime.NumGoroutine())},
		{"fetchd_memory_alloc_bytes", "Current memory allocation in bytes.", "gauge", int64(mem.Alloc)},
		{"fetchd_memory_sys_bytes", "Total memory obtained from the OS in bytes.", "gauge", int64(mem.Sys)},
		{"fetchd_gc_completed_total", "Total number of completed GC cycles.", "counter", int64(mem.NumGC)},
		{"fetchd_uptime_seconds", "Seconds since the process started.", "gauge", int64(time.Since(startTime).Seconds())},
	}
	if s.Sessions != nil {
		metrics = append(metrics,
			gauge{"fetchd_sessions_active", "Current number of live sessions.", "gauge", int64(s.Sessions.Len())})
	}
	if s.Tasks != nil {
		metrics = append(metrics,
			gauge{"fetchd_tasks_tracked", "Current number of tracked tasks.", "gauge", int64(s.Tasks.Len())})
	}
	if s.Cache != nil {
		metrics = append(metrics,
			gauge{"fetchd_cache_entries", "Current number of cached documents.", "gauge", int64(s.Cache.Len())},
			gauge{"fetchd_cache_bytes", "Total bytes held by the document cache.", "gauge", s.Cache.Bytes()})
	}
	if s.SSELimiter != nil {
		metrics = append(metrics,
			gauge{"fetchd_sse_connections_active", "Current number of open event streams.", "gauge", s.SSELimiter.GlobalCount()})
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP fetchd_info Build information about fetchd.\n")
	fmt.Fprintf(w, "# TYPE fetchd_info gauge\n")
	fmt.Fprintf(w, "fetchd_info{version=%q,git_commit=%q,go_version=%q} 1\n", Version, GitCommit, runtime.Version())

	for _, m := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
		fmt.Fprintf(w, "%s %d\n", m.name, m.value)
	}
}
