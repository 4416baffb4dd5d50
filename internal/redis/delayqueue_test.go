package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/push"
	"github.com/lalithlochan/smsgate/internal/worker"
)

func setupTestQueue(t *testing.T) (*DelayQueue, *time.Time, func()) {
	t.Helper()
	client, cleanup := setupTestRedis(t)

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := NewDelayQueue(client, "sms", zap.NewNop())
	q.now = func() time.Time { return clock }
	return q, &clock, cleanup
}

func newJob(id string) *worker.Job {
	return &worker.Job{
		ID:        id,
		Type:      worker.JobTypeSendSMS,
		DeviceID:  uuid.New(),
		BatchID:   uuid.New(),
		Envelopes: []push.Envelope{{SMSID: uuid.New(), Recipient: "+15550001", Body: "hi"}},
	}
}

func TestDelayQueue_DueJobIsDequeued(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, newJob("job-1"), 0); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if job == nil || job.ID != "job-1" {
		t.Fatalf("expected job-1, got %+v", job)
	}
	if job.Receipt != "job-1" {
		t.Errorf("expected receipt job-1, got %s", job.Receipt)
	}
	if len(job.Envelopes) != 1 || job.Envelopes[0].Body != "hi" {
		t.Errorf("envelopes not round-tripped: %+v", job.Envelopes)
	}

	again, _ := q.Dequeue(ctx)
	if again != nil {
		t.Error("a claimed job must not be handed out twice")
	}
}

func TestDelayQueue_DelayedJobWaits(t *testing.T) {
	q, clock, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	_ = q.Enqueue(ctx, newJob("later"), 30*time.Second)
	_ = q.Enqueue(ctx, newJob("sooner"), 10*time.Second)

	if job, _ := q.Dequeue(ctx); job != nil {
		t.Fatalf("nothing should be due yet, got %s", job.ID)
	}

	*clock = clock.Add(15 * time.Second)
	job, _ := q.Dequeue(ctx)
	if job == nil || job.ID != "sooner" {
		t.Fatalf("expected sooner, got %+v", job)
	}

	*clock = clock.Add(20 * time.Second)
	job, _ = q.Dequeue(ctx)
	if job == nil || job.ID != "later" {
		t.Fatalf("expected later, got %+v", job)
	}
}

func TestDelayQueue_AckRemovesJob(t *testing.T) {
	q, clock, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	_ = q.Enqueue(ctx, newJob("job-1"), 0)
	job, _ := q.Dequeue(ctx)
	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	*clock = clock.Add(time.Hour)
	n, err := q.Recover(ctx, time.Minute)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 0 {
		t.Errorf("acked job must not be recovered, got %d", n)
	}
}

func TestDelayQueue_RecoverStaleClaim(t *testing.T) {
	q, clock, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	_ = q.Enqueue(ctx, newJob("job-1"), 0)
	if job, _ := q.Dequeue(ctx); job == nil {
		t.Fatal("expected a job")
	}

	n, _ := q.Recover(ctx, 5*time.Minute)
	if n != 0 {
		t.Fatalf("fresh claim should not be recovered, got %d", n)
	}

	*clock = clock.Add(10 * time.Minute)
	n, err := q.Recover(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}

	job, _ := q.Dequeue(ctx)
	if job == nil || job.ID != "job-1" {
		t.Fatalf("expected job-1 back, got %+v", job)
	}
}

func TestDelayQueue_Len(t *testing.T) {
	q, _, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	_ = q.Enqueue(ctx, newJob("a"), 0)
	_ = q.Enqueue(ctx, newJob("b"), time.Hour)

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}
