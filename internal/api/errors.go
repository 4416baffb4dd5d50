package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/billing"
	"github.com/lalithlochan/smsgate/internal/gateway"
	"github.com/lalithlochan/smsgate/internal/status"
	"github.com/lalithlochan/smsgate/internal/webhook"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string          `json:"type"`
	Title  string          `json:"title"`
	Status int             `json:"status"`
	Detail string          `json:"detail,omitempty"`
	Limits *billing.Limits `json:"limits,omitempty"`
}

type dataResponse struct {
	Data any `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// problemFor classifies a service error. Unknown errors are internal.
func problemFor(err error) ErrorResponse {
	var limitErr *billing.LimitError
	if errors.As(err, &limitErr) {
		limits := limitErr.Limits
		return ErrorResponse{
			Type:   "limit_exceeded",
			Title:  "Usage limit reached",
			Status: http.StatusTooManyRequests,
			Detail: limitErr.Reason,
			Limits: &limits,
		}
	}

	switch {
	case errors.Is(err, gateway.ErrDeviceNotFound),
		errors.Is(err, gateway.ErrDeviceUnavailable):
		return ErrorResponse{Type: "not_found", Title: "Device not found", Status: http.StatusNotFound, Detail: err.Error()}
	case errors.Is(err, gateway.ErrMessageNotFound):
		return ErrorResponse{Type: "not_found", Title: "SMS not found", Status: http.StatusNotFound, Detail: err.Error()}
	case errors.Is(err, gateway.ErrBatchNotFound):
		return ErrorResponse{Type: "not_found", Title: "SMS batch not found", Status: http.StatusNotFound, Detail: err.Error()}
	case errors.Is(err, webhook.ErrSubscriptionNotFound):
		return ErrorResponse{Type: "not_found", Title: "Webhook subscription not found", Status: http.StatusNotFound, Detail: err.Error()}
	case errors.Is(err, gateway.ErrForbidden):
		return ErrorResponse{Type: "forbidden", Title: "Forbidden", Status: http.StatusForbidden, Detail: err.Error()}
	case errors.Is(err, webhook.ErrDuplicateSubscription):
		return ErrorResponse{Type: "duplicate_subscription", Title: "Subscription already exists", Status: http.StatusConflict, Detail: err.Error()}
	case errors.Is(err, status.ErrInvalidTransition):
		return ErrorResponse{Type: "invalid_transition", Title: "Invalid status transition", Status: http.StatusConflict, Detail: err.Error()}
	case errors.Is(err, gateway.ErrEmptyMessage),
		errors.Is(err, gateway.ErrNoRecipients),
		errors.Is(err, gateway.ErrInvalidMessageList),
		errors.Is(err, gateway.ErrInvalidSchedule),
		errors.Is(err, gateway.ErrScheduleNeedsQueue),
		errors.Is(err, gateway.ErrInvalidReceived),
		errors.Is(err, gateway.ErrInvalidStatus),
		errors.Is(err, gateway.ErrInvalidDevice),
		errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrInvalidSecret),
		errors.Is(err, webhook.ErrInvalidEvent):
		return ErrorResponse{Type: "invalid_request", Title: "Invalid request", Status: http.StatusBadRequest, Detail: err.Error()}
	case errors.Is(err, gateway.ErrDispatchFailed):
		return ErrorResponse{Type: "dispatch_failed", Title: "Failed to send SMS", Status: http.StatusBadGateway, Detail: err.Error()}
	case errors.Is(err, gateway.ErrEnqueueFailed):
		return ErrorResponse{Type: "enqueue_error", Title: "Failed to add SMS to queue", Status: http.StatusInternalServerError, Detail: err.Error()}
	}
	return ErrorResponse{Type: "internal_error", Title: "Internal server error", Status: http.StatusInternalServerError}
}

// writeServiceError maps a service error to a problem response and logs the
// ones the client cannot fix.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	resp := problemFor(err)
	if resp.Status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
		)
	} else {
		h.logger.Debug(op+" rejected",
			zap.Error(err),
			zap.Int("status", resp.Status),
		)
	}
	writeProblem(w, resp)
}
