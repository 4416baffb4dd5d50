// Package sqs is the Amazon SQS backend for the send-job worker. Delays up to
// the SQS maximum use DelaySeconds; longer delays are re-sent until due.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/worker"
)

// maxDelay is the largest DelaySeconds SQS accepts.
const maxDelay = 15 * time.Minute

// Config holds SQS configuration.
type Config struct {
	Region            string
	QueueURL          string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// Message is the body sent to SQS.
type Message struct {
	Job        worker.Job `json:"job"`
	EnqueuedAt int64      `json:"enqueued_at"`
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue implements worker.Backend on one SQS queue.
type Queue struct {
	client   sqsAPI
	queueURL string
	wait     int32
	lease    int32
	logger   *zap.Logger
	now      func() time.Time
}

// NewQueue creates an SQS backed job queue.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newQueue(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func newQueue(client sqsAPI, cfg Config, logger *zap.Logger) *Queue {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60
	}
	return &Queue{
		client:   client,
		queueURL: cfg.QueueURL,
		wait:     cfg.WaitTimeSeconds,
		lease:    cfg.VisibilityTimeout,
		logger:   logger,
		now:      time.Now,
	}
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return int32(d.Round(time.Second) / time.Second)
}

// Enqueue sends the job with as much of delay as SQS allows.
func (q *Queue) Enqueue(ctx context.Context, job *worker.Job, delay time.Duration) error {
	body, err := json.Marshal(Message{Job: *job, EnqueuedAt: q.now().UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(delay),
	})
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("job_id", job.ID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}

// Dequeue long-polls for one message. A job whose RunAt is still ahead is
// sent back with the remaining delay and nil is returned.
func (q *Queue) Dequeue(ctx context.Context) (*worker.Job, error) {
	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.wait,
		VisibilityTimeout:   q.lease,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}

	raw := result.Messages[0]
	receipt := aws.ToString(raw.ReceiptHandle)

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		q.logger.Error("invalid message format, deleting", zap.Error(err))
		return nil, q.delete(ctx, receipt)
	}

	job := msg.Job
	if remaining := job.RunAt.Sub(q.now()); remaining > time.Second {
		if err := q.Enqueue(ctx, &job, remaining); err != nil {
			return nil, err
		}
		return nil, q.delete(ctx, receipt)
	}

	job.Receipt = receipt
	return &job, nil
}

// Ack deletes the message behind a claimed job.
func (q *Queue) Ack(ctx context.Context, job *worker.Job) error {
	return q.delete(ctx, job.Receipt)
}

func (q *Queue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
