package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/Sentinel-Gate/Sentinelgate/internal/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/ratelimit"
)

// HealthResponse is the JSON body of /health and /live.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports the health of the gateway's own components.
type HealthChecker struct {
	limiter  *ratelimit.TokenBucketLimiter
	pipeline *audit.Pipeline
	version  string
}

// NewHealthChecker builds a HealthChecker. limiter and pipeline may be nil.
func NewHealthChecker(limiter *ratelimit.TokenBucketLimiter, pipeline *audit.Pipeline, version string) *HealthChecker {
	return &HealthChecker{limiter: limiter, pipeline: pipeline, version: version}
}

// Check runs every component check and summarizes overall status.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.limiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d tracked identities", h.limiter.Size())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	if h.pipeline != nil {
		if dropped := h.pipeline.Dropped(); dropped > 0 {
			checks["audit"] = fmt.Sprintf("degraded: %d dropped", dropped)
			healthy = false
		} else {
			checks["audit"] = "ok"
		}
	} else {
		checks["audit"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler serves /health and /live: always 200 while the process is up,
// per spec.md §6 ("always 200 when the process is up").
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(h.Check())
	})
}

// Readiness tracks whether bootstrap has finished initializing transports.
type Readiness struct {
	ready atomic.Bool
}

// SetReady flips the readiness flag. Bootstrap sets it once every
// configured upstream transport has started successfully; Shutdown
// clears it.
func (r *Readiness) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Ready reports the current readiness state.
func (r *Readiness) Ready() bool {
	return r.ready.Load()
}

// Handler serves /ready: 200 once ready, 503 otherwise.
func (r *Readiness) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !r.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ready":false}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ready":true}`))
	})
}
