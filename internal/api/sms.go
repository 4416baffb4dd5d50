package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/gateway"
)

// SendSMS handles POST /v1/gateway/devices/{id}/send-sms
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) SendSMS(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	var req SendSMSRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid SMS request", err.Error())
		return
	}

	userID := UserIDFrom(r.Context())
	h.sendWithIdempotency(w, r, userID, func(ctx context.Context) (*gateway.SendResult, error) {
		return h.gateway.SendSMS(ctx, userID, deviceID, req.input())
	})
}

// SendBulkSMS handles POST /v1/gateway/devices/{id}/send-bulk-sms
func (h *Handler) SendBulkSMS(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	var req SendBulkSMSRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid bulk SMS request", err.Error())
		return
	}

	userID := UserIDFrom(r.Context())
	h.sendWithIdempotency(w, r, userID, func(ctx context.Context) (*gateway.SendResult, error) {
		return h.gateway.SendBulkSMS(ctx, userID, deviceID, req.input())
	})
}

// ReceiveSMS handles POST /v1/gateway/devices/{id}/receive-sms
func (h *Handler) ReceiveSMS(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	var req ReceivedSMSRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid received SMS", err.Error())
		return
	}

	msg, err := h.gateway.ReceiveSMS(r.Context(), UserIDFrom(r.Context()), deviceID, req.input())
	if err != nil {
		h.writeServiceError(w, r, err, "receive sms")
		return
	}
	writeJSON(w, http.StatusCreated, dataResponse{Data: msg})
}

// UpdateSMSStatus handles PATCH /v1/gateway/devices/{id}/sms-status
func (h *Handler) UpdateSMSStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	var req UpdateSMSStatusRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status update", err.Error())
		return
	}

	msg, err := h.gateway.UpdateStatus(r.Context(), UserIDFrom(r.Context()), deviceID, req.input())
	if err != nil {
		h.writeServiceError(w, r, err, "update sms status")
		return
	}

	h.logger.Info("sms status updated",
		zap.String("sms_id", msg.ID.String()),
		zap.String("device_id", deviceID.String()),
		zap.String("status", string(msg.Status)),
	)
	writeJSON(w, http.StatusOK, dataResponse{Data: msg})
}

// ListReceivedSMS handles GET /v1/gateway/devices/{id}/get-received-sms?page=1&limit=50
func (h *Handler) ListReceivedSMS(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	page, limit := pageParams(r)
	result, err := h.gateway.ListReceived(r.Context(), UserIDFrom(r.Context()), deviceID, page, limit)
	if err != nil {
		h.writeServiceError(w, r, err, "list received sms")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListMessages handles GET /v1/gateway/devices/{id}/messages?type=all&page=1&limit=50
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	kind := gateway.MessageKind(r.URL.Query().Get("type"))
	switch kind {
	case "":
		kind = gateway.KindAll
	case gateway.KindAll, gateway.KindSent, gateway.KindReceived:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "type must be one of: all, sent, received")
		return
	}

	page, limit := pageParams(r)
	result, err := h.gateway.ListMessages(r.Context(), UserIDFrom(r.Context()), deviceID, kind, page, limit)
	if err != nil {
		h.writeServiceError(w, r, err, "list messages")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetSMS handles GET /v1/gateway/devices/{id}/sms/{smsId}
func (h *Handler) GetSMS(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}
	smsID, ok := h.pathUUID(w, r, "smsId", "Invalid SMS ID")
	if !ok {
		return
	}

	msg, err := h.gateway.GetMessage(r.Context(), UserIDFrom(r.Context()), deviceID, smsID)
	if err != nil {
		h.writeServiceError(w, r, err, "get sms")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: msg})
}

// GetSMSBatch handles GET /v1/gateway/devices/{id}/sms-batch/{batchId}
func (h *Handler) GetSMSBatch(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}
	batchID, ok := h.pathUUID(w, r, "batchId", "Invalid SMS batch ID")
	if !ok {
		return
	}

	detail, err := h.gateway.GetBatch(r.Context(), UserIDFrom(r.Context()), deviceID, batchID)
	if err != nil {
		h.writeServiceError(w, r, err, "get sms batch")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: detail})
}
