package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// RegisterDevice handles POST /v1/gateway/devices
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFrom(r.Context())

	var req RegisterDeviceRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid device", err.Error())
		return
	}

	device, err := h.gateway.RegisterDevice(r.Context(), userID, req.input())
	if err != nil {
		h.writeServiceError(w, r, err, "register device")
		return
	}

	writeJSON(w, http.StatusCreated, dataResponse{Data: device})
}

// ListDevices handles GET /v1/gateway/devices
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.gateway.ListDevices(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "list devices")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: devices})
}

// UpdateDevice handles PATCH /v1/gateway/devices/{id}
func (h *Handler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	var req UpdateDeviceRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid device update", err.Error())
		return
	}

	device, err := h.gateway.UpdateDevice(r.Context(), UserIDFrom(r.Context()), deviceID, req.input())
	if err != nil {
		h.writeServiceError(w, r, err, "update device")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: device})
}

// DeleteDevice handles DELETE /v1/gateway/devices/{id}. Devices are kept so
// their message history stays readable; the call only checks ownership.
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	if err := h.gateway.DeleteDevice(r.Context(), UserIDFrom(r.Context()), deviceID); err != nil {
		h.writeServiceError(w, r, err, "delete device")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: map[string]bool{"success": true}})
}

// Heartbeat handles POST /v1/gateway/devices/{id}/heartbeat. The body is
// optional.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	var req HeartbeatRequest
	if err := h.decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid heartbeat", err.Error())
		return
	}

	if err := h.gateway.Heartbeat(r.Context(), UserIDFrom(r.Context()), deviceID, req.FCMToken); err != nil {
		h.writeServiceError(w, r, err, "heartbeat")
		return
	}

	h.logger.Debug("heartbeat received", zap.String("device_id", deviceID.String()))
	writeJSON(w, http.StatusOK, dataResponse{Data: map[string]bool{"success": true}})
}

// Stats handles GET /v1/gateway/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.gateway.Stats(r.Context(), UserIDFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "stats")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: stats})
}
