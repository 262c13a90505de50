package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
)

const pingTimeout = 2 * time.Second

// Health handles GET /health. Every registered dependency is pinged; any
// failure turns the response into a 503. Open breakers are reported but do
// not change the status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.deps.Pingers))
	for name := range h.deps.Pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.deps.Pingers[name].Ping(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	resp := map[string]any{"status": status, "checks": checks}
	if len(h.deps.Breakers) > 0 {
		breakers := make([]circuitbreaker.Stats, 0, len(h.deps.Breakers))
		for _, b := range h.deps.Breakers {
			breakers = append(breakers, b.Stats())
		}
		resp["breakers"] = breakers
	}
	h.writeJSON(w, code, resp)
}

// HealthRuns handles GET /health/runs and returns the latest orchestrator
// snapshot, or null before the first run.
func (h *Handler) HealthRuns(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Health.LatestHealth(r.Context())
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"latest": snap})
}
