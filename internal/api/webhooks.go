package api

import (
	"net/http"
)

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook subscription", err.Error())
		return
	}

	sub, err := h.webhooks.CreateSubscription(r.Context(), UserIDFrom(r.Context()), req.input())
	if err != nil {
		h.writeServiceError(w, r, err, "create webhook")
		return
	}
	writeJSON(w, http.StatusCreated, dataResponse{Data: sub})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := h.webhooks.ListSubscriptions(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "list webhooks")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: subs})
}

// GetWebhook handles GET /v1/webhooks/{id}
func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "Invalid webhook ID")
	if !ok {
		return
	}

	sub, err := h.webhooks.GetSubscription(r.Context(), UserIDFrom(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err, "get webhook")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: sub})
}

// UpdateWebhook handles PATCH /v1/webhooks/{id}
func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id", "Invalid webhook ID")
	if !ok {
		return
	}

	var req UpdateWebhookRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid webhook update", err.Error())
		return
	}

	sub, err := h.webhooks.UpdateSubscription(r.Context(), UserIDFrom(r.Context()), id, req.input())
	if err != nil {
		h.writeServiceError(w, r, err, "update webhook")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: sub})
}
