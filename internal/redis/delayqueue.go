package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/worker"
)

// DelayQueue is a worker.Backend on three keys: a sorted set of job IDs scored
// by due time, a hash of job bodies and a sorted set of claimed IDs scored by
// claim time.
type DelayQueue struct {
	client     *Client
	logger     *zap.Logger
	readyKey   string
	dataKey    string
	claimedKey string
	now        func() time.Time
}

// NewDelayQueue creates a queue stored under the given name.
func NewDelayQueue(client *Client, name string, logger *zap.Logger) *DelayQueue {
	return &DelayQueue{
		client:     client,
		logger:     logger,
		readyKey:   client.key("queue", name, "ready"),
		dataKey:    client.key("queue", name, "jobs"),
		claimedKey: client.key("queue", name, "claimed"),
		now:        time.Now,
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores the job and schedules it delay from now.
func (q *DelayQueue) Enqueue(ctx context.Context, job *worker.Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.dataKey, job.ID, data)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: score(q.now().Add(delay)), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}
	return nil
}

// Dequeue claims the earliest due job. ZREM decides the winner when several
// workers race for the same ID.
func (q *DelayQueue) Dequeue(ctx context.Context) (*worker.Job, error) {
	now := q.now()
	ids, err := q.client.rdb.ZRangeByScore(ctx, q.readyKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(now), 'f', 0, 64),
		Count: 10,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}

	for _, id := range ids {
		removed, err := q.client.rdb.ZRem(ctx, q.readyKey, id).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zrem failed: %w", err)
		}
		if removed == 0 {
			continue
		}

		if err := q.client.rdb.ZAdd(ctx, q.claimedKey, redis.Z{Score: score(now), Member: id}).Err(); err != nil {
			return nil, fmt.Errorf("redis claim failed: %w", err)
		}

		data, err := q.client.rdb.HGet(ctx, q.dataKey, id).Bytes()
		if err == redis.Nil {
			q.logger.Warn("queued job has no body, dropping", zap.String("job_id", id))
			q.client.rdb.ZRem(ctx, q.claimedKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis hget failed: %w", err)
		}

		var job worker.Job
		if err := json.Unmarshal(data, &job); err != nil {
			q.logger.Error("invalid job body, dropping", zap.String("job_id", id), zap.Error(err))
			_ = q.drop(ctx, id)
			continue
		}
		job.Receipt = id
		return &job, nil
	}

	return nil, nil
}

// Ack deletes a claimed job.
func (q *DelayQueue) Ack(ctx context.Context, job *worker.Job) error {
	id := job.Receipt
	if id == "" {
		id = job.ID
	}
	return q.drop(ctx, id)
}

func (q *DelayQueue) drop(ctx context.Context, id string) error {
	_, err := q.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.claimedKey, id)
		pipe.HDel(ctx, q.dataKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// Recover makes jobs claimed longer than olderThan ago due again. A worker
// that died mid-job leaves its claim behind; this puts it back in line.
func (q *DelayQueue) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now()
	ids, err := q.client.rdb.ZRangeByScore(ctx, q.claimedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(score(now.Add(-olderThan)), 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		removed, err := q.client.rdb.ZRem(ctx, q.claimedKey, id).Result()
		if err != nil {
			return recovered, fmt.Errorf("redis zrem failed: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.rdb.ZAdd(ctx, q.readyKey, redis.Z{Score: score(now), Member: id}).Err(); err != nil {
			return recovered, fmt.Errorf("redis requeue failed: %w", err)
		}
		recovered++
	}

	if recovered > 0 {
		q.logger.Warn("recovered stale queue claims", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Len returns the number of jobs waiting, due or not.
func (q *DelayQueue) Len(ctx context.Context) (int64, error) {
	return q.client.rdb.ZCard(ctx, q.readyKey).Result()
}
