// Package sns delivers device push messages through Amazon SNS mobile push.
// The device push token is the SNS platform endpoint ARN registered for the
// phone's FCM token.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/push"
)

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SNS settings.
type Config struct {
	Region   string
	Endpoint string // optional, e.g. LocalStack
}

// Publisher publishes push messages to SNS platform endpoints
type Publisher struct {
	client publishAPI
	logger *zap.Logger
}

// gcmPayload is the body SNS forwards to FCM for the GCM platform.
type gcmPayload struct {
	Data    map[string]string `json:"data"`
	Android androidOptions    `json:"android"`
}

type androidOptions struct {
	Priority string `json:"priority"`
}

// NewPublisher creates an SNS publisher
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns push publisher initialized", zap.String("region", cfg.Region))
	return &Publisher{client: client, logger: logger}, nil
}

// Encode renders a push message as an SNS message-structure JSON document.
func Encode(m push.Message) (string, error) {
	inner, err := json.Marshal(gcmPayload{
		Data:    m.Data,
		Android: androidOptions{Priority: m.Priority},
	})
	if err != nil {
		return "", fmt.Errorf("marshal gcm payload: %w", err)
	}

	outer, err := json.Marshal(map[string]string{
		"default": "smsgate",
		"GCM":     string(inner),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sns message: %w", err)
	}
	return string(outer), nil
}

// Dispatch publishes each message to the endpoint ARN in token. SNS has no
// batch publish for endpoints, so every message is an independent call.
func (p *Publisher) Dispatch(ctx context.Context, token string, msgs []push.Message) ([]push.Outcome, error) {
	if token == "" {
		return nil, push.ErrNoToken
	}

	outcomes := make([]push.Outcome, len(msgs))
	failures := 0
	var lastErr error

	for i, m := range msgs {
		body, err := Encode(m)
		if err != nil {
			outcomes[i] = push.Outcome{Err: err}
			failures++
			lastErr = err
			continue
		}

		result, err := p.client.Publish(ctx, &sns.PublishInput{
			TargetArn:        aws.String(token),
			Message:          aws.String(body),
			MessageStructure: aws.String("json"),
		})
		if err != nil {
			var disabled *types.EndpointDisabledException
			if errors.As(err, &disabled) {
				p.logger.Warn("sns endpoint disabled", zap.String("endpoint", token))
			}
			outcomes[i] = push.Outcome{Err: fmt.Errorf("sns publish failed: %w", err)}
			failures++
			lastErr = err
			continue
		}

		outcomes[i] = push.Outcome{MessageID: aws.ToString(result.MessageId)}
	}

	if len(msgs) > 0 && failures == len(msgs) {
		return nil, fmt.Errorf("sns publish failed for all %d messages: %w", failures, lastErr)
	}
	return outcomes, nil
}
