package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/model"
)

// PreferencesRequest is a partial update; nil fields keep their value.
type PreferencesRequest struct {
	PushEnabled *bool   `json:"pushEnabled"`
	Marketing   *bool   `json:"marketing"`
	Reminder    *bool   `json:"reminder"`
	Transaction *bool   `json:"transaction"`
	Timezone    *string `json:"timezone"`
}

// loadPreference returns the stored row, or the opted-out default for a
// known user without one.
func (h *Handler) loadPreference(r *http.Request, param string) (*model.Preference, error) {
	id, err := queryUUID(r, param)
	if err != nil {
		return nil, err
	}
	if _, err := h.deps.Preferences.GetUser(r.Context(), id); err != nil {
		return nil, err
	}

	p, err := h.deps.Preferences.GetPreference(r.Context(), id)
	if apperr.Is(err, apperr.KindNotFound) {
		return &model.Preference{UserID: id, Timezone: "UTC"}, nil
	}
	return p, err
}

// GetPreferences handles GET /preferences?userId=
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := h.loadPreference(r, "userId")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "preferences": p})
}

// UpdatePreferences handles PUT /preferences?userId=
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	p, err := h.loadPreference(r, "userId")
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	if req.PushEnabled != nil {
		p.PushEnabled = *req.PushEnabled
	}
	if req.Marketing != nil {
		p.Marketing = *req.Marketing
	}
	if req.Reminder != nil {
		p.Reminder = *req.Reminder
	}
	if req.Transaction != nil {
		p.Transaction = *req.Transaction
	}
	if req.Timezone != nil {
		tz := strings.TrimSpace(*req.Timezone)
		// "Local" would resolve to the server's zone, not the user's.
		if _, err := time.LoadLocation(tz); err != nil || tz == "" || tz == "Local" {
			h.writeAppError(w, r, apperr.Validation("invalid timezone %q", *req.Timezone))
			return
		}
		p.Timezone = tz
	}

	if err := h.deps.Preferences.UpsertPreference(r.Context(), p); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.logger.Info("preferences updated",
		zap.String("user_id", p.UserID.String()),
		zap.Bool("push_enabled", p.PushEnabled),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{"success": true, "preferences": p})
}
