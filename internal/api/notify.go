package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/model"
	"github.com/lalithlochan/herald/internal/notify"
)

// SendRequest is the body of a direct send.
type SendRequest struct {
	UserID   string         `json:"userId"`
	Category model.Category `json:"category"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	ImageURL *string        `json:"imageUrl,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	SentBy   string         `json:"sentBy,omitempty"`
}

// SendNotification handles POST /notifications/send
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	if h.deps.Notifier == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Direct send disabled", "")
		return
	}

	var req SendRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeAppError(w, r, apperr.Validation("userId must be a valid UUID"))
		return
	}
	sentBy := req.SentBy
	if sentBy == "" {
		sentBy = "api"
	}

	res, err := h.deps.Notifier.SendToUser(r.Context(), userID, notify.Content{
		Category: req.Category,
		Title:    req.Title,
		Body:     req.Body,
		ImageURL: req.ImageURL,
		Data:     req.Data,
	}, sentBy)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": res.Failed == 0, "result": res})
}
