package api

import (
	"net/http"
)

// EventRequest is an engagement callback reported by a client.
type EventRequest struct {
	LogID    string         `json:"logId"`
	Event    string         `json:"event"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RecordEvent handles POST /events
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeAppError(w, r, err)
		return
	}

	l, err := h.deps.Events.Record(r.Context(), req.LogID, req.Event, req.Metadata)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logId":   l.ID,
		"status":  l.Status,
	})
}
