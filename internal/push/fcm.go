package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// fcmBatchLimit is the most messages FCM accepts in one SendEach call.
const fcmBatchLimit = 500

type fcmClient interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// FCMConfig holds Firebase credentials.
type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

// FCMDispatcher delivers push messages through Firebase Cloud Messaging.
type FCMDispatcher struct {
	client fcmClient
	logger *zap.Logger
}

// NewFCMDispatcher initialises a Firebase app. Without a credentials file the
// application default credentials are used.
func NewFCMDispatcher(ctx context.Context, cfg FCMConfig, logger *zap.Logger) (*FCMDispatcher, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var appCfg *firebase.Config
	if cfg.ProjectID != "" {
		appCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase messaging: %w", err)
	}

	logger.Info("fcm dispatcher initialized", zap.String("project_id", cfg.ProjectID))
	return &FCMDispatcher{client: client, logger: logger}, nil
}

// Dispatch sends msgs to token in chunks of at most fcmBatchLimit.
func (d *FCMDispatcher) Dispatch(ctx context.Context, token string, msgs []Message) ([]Outcome, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	outcomes := make([]Outcome, 0, len(msgs))
	failedChunks := 0
	var lastErr error

	for start := 0; start < len(msgs); start += fcmBatchLimit {
		end := min(start+fcmBatchLimit, len(msgs))
		chunk := make([]*messaging.Message, 0, end-start)
		for _, m := range msgs[start:end] {
			chunk = append(chunk, &messaging.Message{
				Data:    m.Data,
				Token:   token,
				Android: &messaging.AndroidConfig{Priority: m.Priority},
			})
		}

		resp, err := d.client.SendEach(ctx, chunk)
		if err != nil {
			d.logger.Warn("fcm send failed",
				zap.Error(err),
				zap.Int("messages", len(chunk)),
			)
			failedChunks++
			lastErr = err
			outcomes = append(outcomes, failAll(len(chunk), err)...)
			continue
		}

		for i := range chunk {
			if i >= len(resp.Responses) || resp.Responses[i] == nil {
				outcomes = append(outcomes, Outcome{Err: fmt.Errorf("fcm: missing response %d", i)})
				continue
			}
			r := resp.Responses[i]
			if r.Success {
				outcomes = append(outcomes, Outcome{MessageID: r.MessageID})
			} else {
				outcomes = append(outcomes, Outcome{Err: r.Error})
			}
		}

		d.logger.Debug("fcm chunk sent",
			zap.Int("success", resp.SuccessCount),
			zap.Int("failure", resp.FailureCount),
		)
	}

	chunks := (len(msgs) + fcmBatchLimit - 1) / fcmBatchLimit
	if chunks > 0 && failedChunks == chunks {
		return nil, fmt.Errorf("fcm send: %w", lastErr)
	}
	return outcomes, nil
}
