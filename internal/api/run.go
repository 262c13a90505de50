package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/orchestrator"
)

// RunTimeout bounds one orchestrator run started over HTTP. The run does
// not inherit the request's cancellation: a client that disconnects
// mid-run must not abort campaigns that are already sending.
const RunTimeout = 5 * time.Minute

// RunPath is the route of RunCampaigns. Routers that apply a request
// timeout should exempt it; RunTimeout bounds it instead.
const RunPath = "/campaigns/run"

// RunCampaigns handles POST /campaigns/run?limit=
// The response is always 200 with the run summary; partial failures are
// described inside it.
func (h *Handler) RunCampaigns(w http.ResponseWriter, r *http.Request) {
	// 0 lets the orchestrator apply its configured default.
	limit := ClampInt(r.URL.Query().Get("limit"), 1, orchestrator.MaxBatchSize, 0)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), RunTimeout)
	defer cancel()

	summary := h.deps.Runner.Run(ctx, limit)

	h.logger.Info("orchestrator run requested",
		zap.Int("limit", limit),
		zap.Bool("skipped", summary.Skipped),
		zap.Bool("success", summary.Success),
	)
	h.writeJSON(w, http.StatusOK, summary)
}
