package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/redis"
)

const idempotencyScope = "campaigns"

// CreateCampaign handles POST /campaigns
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	var in campaign.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeCRUDError(w, r, err)
		return
	}

	reserved := false
	if idempotencyKey != "" && h.deps.Idempotency != nil {
		cached, err := h.deps.Idempotency.CheckOrReserve(ctx, idempotencyScope, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeCRUDError(w, r, apperr.Conflict("a request with this idempotency key is already in progress"))
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			h.replayCampaign(w, r, cached)
			return
		default:
			reserved = true
		}
	}

	c, err := h.deps.Campaigns.Create(ctx, in)
	if err != nil {
		if reserved {
			if relErr := h.deps.Idempotency.Release(ctx, idempotencyScope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeCRUDError(w, r, err)
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{ResourceID: c.ID.String(), StatusCode: http.StatusCreated}
		if err := h.deps.Idempotency.Store(ctx, idempotencyScope, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{"success": true, "campaign": c})
}

// replayCampaign answers a repeated create with the campaign the first
// request produced.
func (h *Handler) replayCampaign(w http.ResponseWriter, r *http.Request, cached *redis.IdempotencyResult) {
	id, err := uuid.Parse(cached.ResourceID)
	if err != nil {
		h.writeCRUDError(w, r, apperr.Infrastructure("corrupt idempotency record", err))
		return
	}
	c, err := h.deps.Campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	w.Header().Set("X-Idempotency-Replayed", "true")
	h.writeJSON(w, cached.StatusCode, map[string]any{"success": true, "campaign": c})
}

// ListCampaigns handles GET /campaigns?status=&limit=&offset=
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	status := model.CampaignStatus(strings.TrimSpace(r.URL.Query().Get("status")))

	res, err := h.deps.Campaigns.List(r.Context(), status, limit, offset)
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"campaigns": res.Campaigns,
		"total":     res.Total,
		"limit":     res.Limit,
		"offset":    res.Offset,
	})
}

// GetCampaign handles GET /campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	c, err := h.deps.Campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "campaign": c})
}

// UpdateCampaign handles PUT /campaigns/{id}
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	var patch campaign.Patch
	if err := decodeJSON(r, &patch); err != nil {
		h.writeCRUDError(w, r, err)
		return
	}

	c, err := h.deps.Campaigns.Update(r.Context(), id, patch)
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "campaign": c})
}

// CancelCampaign handles DELETE /campaigns/{id}. The row is kept with
// status cancelled.
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	c, err := h.deps.Campaigns.Cancel(r.Context(), id)
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "campaign": c})
}

// ListCampaignLogs handles GET /campaigns/{id}/logs
func (h *Handler) ListCampaignLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	limit, offset := pagination(r)

	logs, total, err := h.deps.Campaigns.Logs(r.Context(), id, limit, offset)
	if err != nil {
		h.writeCRUDError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    logs,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
