package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/push"
)

// TokenRequest registers a device token. UserID is optional for
// anonymous installs.
type TokenRequest struct {
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// RegisterToken handles POST /tokens
func (h *Handler) RegisterToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		h.writeAppError(w, r, apperr.Validation("token is required"))
		return
	}
	t := &model.Token{
		Token:    req.Token,
		Platform: strings.ToLower(strings.TrimSpace(req.Platform)),
	}
	if req.UserID != "" {
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			h.writeAppError(w, r, apperr.Validation("userId must be a valid UUID"))
			return
		}
		t.UserID = &id
	}

	if err := h.deps.Tokens.UpsertToken(r.Context(), t); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.logger.Info("token registered",
		zap.String("token_preview", push.TokenPreview(t.Token)),
		zap.String("platform", t.Platform),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": t})
}

// DeactivateToken handles DELETE /tokens/{token}
func (h *Handler) DeactivateToken(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(chi.URLParam(r, "token"))
	if token == "" {
		h.writeAppError(w, r, apperr.Validation("token is required"))
		return
	}

	if err := h.deps.Tokens.DeactivateToken(r.Context(), token, time.Now()); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.logger.Info("token deactivated", zap.String("token_preview", push.TokenPreview(token)))
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
