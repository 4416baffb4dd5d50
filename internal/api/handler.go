package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/gateway"
	"github.com/lalithlochan/smsgate/internal/metrics"
	"github.com/lalithlochan/smsgate/internal/redis"
	"github.com/lalithlochan/smsgate/internal/status"
	"github.com/lalithlochan/smsgate/internal/webhook"
)

// Gateway is the device and SMS surface the handlers call
type Gateway interface {
	RegisterDevice(ctx context.Context, userID uuid.UUID, in gateway.RegisterInput) (*db.Device, error)
	ListDevices(ctx context.Context, userID uuid.UUID) ([]*db.Device, error)
	UpdateDevice(ctx context.Context, userID, deviceID uuid.UUID, in gateway.DeviceUpdateInput) (*db.Device, error)
	DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) error
	Heartbeat(ctx context.Context, userID, deviceID uuid.UUID, pushToken *string) error

	SendSMS(ctx context.Context, userID, deviceID uuid.UUID, in gateway.SendInput) (*gateway.SendResult, error)
	SendBulkSMS(ctx context.Context, userID, deviceID uuid.UUID, in gateway.BulkSendInput) (*gateway.SendResult, error)
	ReceiveSMS(ctx context.Context, userID, deviceID uuid.UUID, in gateway.ReceiveInput) (*db.Message, error)
	UpdateStatus(ctx context.Context, userID, deviceID uuid.UUID, in gateway.StatusUpdate) (*db.Message, error)

	ListReceived(ctx context.Context, userID, deviceID uuid.UUID, page, limit int) (*gateway.MessagePage, error)
	ListMessages(ctx context.Context, userID, deviceID uuid.UUID, kind gateway.MessageKind, page, limit int) (*gateway.MessagePage, error)
	GetMessage(ctx context.Context, userID, deviceID, smsID uuid.UUID) (*db.Message, error)
	GetBatch(ctx context.Context, userID, deviceID, batchID uuid.UUID) (*gateway.BatchDetail, error)
	Stats(ctx context.Context, userID uuid.UUID) (*db.UserStats, error)
}

// Webhooks manages a user's webhook subscriptions
type Webhooks interface {
	CreateSubscription(ctx context.Context, userID uuid.UUID, in webhook.CreateSubscriptionInput) (*db.WebhookSubscription, error)
	GetSubscription(ctx context.Context, userID, id uuid.UUID) (*db.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.WebhookSubscription, error)
	UpdateSubscription(ctx context.Context, userID, id uuid.UUID, in webhook.UpdateSubscriptionInput) (*db.WebhookSubscription, error)
}

// Idempotency replays send results for a repeated Idempotency-Key
type Idempotency interface {
	CheckOrReserve(ctx context.Context, userID, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, userID, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, userID, key string) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger         *zap.Logger
	gateway        Gateway
	webhooks       Webhooks
	validate       *validator.Validate
	idempotency    Idempotency // nil if Redis not configured
	idempotencyTTL time.Duration
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, gw Gateway, hooks Webhooks) *Handler {
	return &Handler{
		logger:   logger,
		gateway:  gw,
		webhooks: hooks,
		validate: newValidator(),
	}
}

// NewHandlerWithIdempotency creates a handler that honours Idempotency-Key on
// the send endpoints
func NewHandlerWithIdempotency(logger *zap.Logger, gw Gateway, hooks Webhooks, idempotency Idempotency, ttl time.Duration) *Handler {
	h := NewHandler(logger, gw, hooks)
	h.idempotency = idempotency
	h.idempotencyTTL = ttl
	if h.idempotencyTTL <= 0 {
		h.idempotencyTTL = redis.IdempotencyTTL
	}
	return h
}

func (h *Handler) deviceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid device ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param, title string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, limit := 1, gateway.DefaultPageSize
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	return page, limit
}

// sendWithIdempotency runs send once per Idempotency-Key. A repeat of a
// completed request replays the earlier batch; a repeat while the first is
// still running is a conflict. Failed sends release the key.
func (h *Handler) sendWithIdempotency(w http.ResponseWriter, r *http.Request, userID uuid.UUID, send func(context.Context) (*gateway.SendResult, error)) {
	ctx := r.Context()
	key := r.Header.Get("Idempotency-Key")
	reserved := false

	if key != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, userID.String(), key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			batchID, _ := uuid.Parse(cached.BatchID)
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, dataResponse{Data: gateway.SendResult{
				Success: true,
				Message: "Request already processed",
				BatchID: batchID,
				Status:  status.Batch(cached.Status),
			}})
			return
		default:
			reserved = true
		}
	}

	result, err := send(ctx)
	if err != nil {
		if reserved {
			if relErr := h.idempotency.Release(ctx, userID.String(), key); relErr != nil {
				h.logger.Warn("failed to release idempotency key",
					zap.Error(relErr),
					zap.String("idempotency_key", key),
				)
			}
		}
		h.writeServiceError(w, r, err, "send sms")
		return
	}

	code := http.StatusCreated
	if result.Queued {
		code = http.StatusAccepted
	}

	if reserved {
		stored := &redis.IdempotencyResult{
			BatchID:    result.BatchID.String(),
			Status:     string(result.Status),
			StatusCode: code,
		}
		if err := h.idempotency.Store(ctx, userID.String(), key, stored, h.idempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	writeJSON(w, code, dataResponse{Data: result})
}
