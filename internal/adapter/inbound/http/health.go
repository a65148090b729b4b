package http

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/guardpost/guardpost/internal/domain/ratelimit"
	"github.com/guardpost/guardpost/internal/service"
)

// HealthResponse is the /health document.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "degraded"
	Ready   bool              `json:"ready"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// HealthChecker serves /health, /live, and /ready. Components may be nil
// when not configured.
type HealthChecker struct {
	audits  *service.AuditService
	limiter ratelimit.Limiter
	version string
	started time.Time
	ready   atomic.Bool
}

// NewHealthChecker creates the checker. The gateway flips SetReady(true)
// once the transports are initialized.
func NewHealthChecker(audits *service.AuditService, limiter ratelimit.Limiter, version string) *HealthChecker {
	return &HealthChecker{
		audits:  audits,
		limiter: limiter,
		version: version,
		started: time.Now(),
	}
}

// SetReady flips the readiness flag.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Ready reports the current readiness flag. Also consulted by
// guard/health.
func (h *HealthChecker) Ready() bool {
	return h.ready.Load()
}

// Check runs the component checks.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.limiter != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d identities", h.limiter.TrackedIdentities())
	} else {
		checks["rate_limiter"] = "not configured"
	}

	if h.audits != nil {
		depth := h.audits.Depth()
		capacity := h.audits.Capacity()
		percent := 0
		if capacity > 0 {
			percent = depth * 100 / capacity
		}
		if percent > 90 {
			// A near-full buffer means entries are about to drop.
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percent)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percent)
		}
		if drops := h.audits.Dropped(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	return HealthResponse{
		Status:  status,
		Ready:   h.ready.Load(),
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Version: h.version,
		Checks:  checks,
	}
}

// Handler serves GET /health. Always 200 while the process is up;
// degradation shows in the body, and /ready carries the 503 semantics.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, h.Check())
	})
}

// LiveHandler serves GET /live: the process is up.
func (h *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ReadyHandler serves GET /ready: 200 once the transports initialized,
// 503 before that and during shutdown.
func (h *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if h.ready.Load() {
			writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
	})
}
