package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/metrics"
)

// RouterConfig holds the optional pieces of the HTTP surface.
type RouterConfig struct {
	UserLimiter     Limiter                         // nil disables per-user limits
	DeviceRateLimit int                             // device callbacks per minute per IP, 0 disables
	Health          func(ctx context.Context) error // nil reports healthy
	RequestTimeout  time.Duration
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	deviceThrottle := func(next http.Handler) http.Handler { return next }
	if cfg.DeviceRateLimit > 0 {
		deviceThrottle = DeviceThrottle(cfg.DeviceRateLimit)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireUser)
		r.Use(RateLimitMiddleware(cfg.UserLimiter, logger, UserKeyFunc))

		r.Route("/gateway", func(r chi.Router) {
			r.Get("/stats", h.Stats)

			r.Post("/devices", h.RegisterDevice)
			r.Get("/devices", h.ListDevices)

			r.Route("/devices/{id}", func(r chi.Router) {
				r.Patch("/", h.UpdateDevice)
				r.Delete("/", h.DeleteDevice)

				// camelCase paths are kept for older app builds
				r.Post("/send-sms", h.SendSMS)
				r.Post("/sendSMS", h.SendSMS)
				r.Post("/send-bulk-sms", h.SendBulkSMS)
				r.Get("/get-received-sms", h.ListReceivedSMS)
				r.Get("/getReceivedSMS", h.ListReceivedSMS)
				r.Get("/messages", h.ListMessages)
				r.Get("/sms/{smsId}", h.GetSMS)
				r.Get("/sms-batch/{batchId}", h.GetSMSBatch)

				r.With(deviceThrottle).Post("/receive-sms", h.ReceiveSMS)
				r.With(deviceThrottle).Post("/receiveSMS", h.ReceiveSMS)
				r.With(deviceThrottle).Patch("/sms-status", h.UpdateSMSStatus)
				r.With(deviceThrottle).Post("/heartbeat", h.Heartbeat)
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", h.ListWebhooks)
			r.Post("/", h.CreateWebhook)
			r.Get("/{id}", h.GetWebhook)
			r.Patch("/{id}", h.UpdateWebhook)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("UNAVAILABLE"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
