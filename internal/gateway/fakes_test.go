package gateway

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/billing"
	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/push"
	"github.com/lalithlochan/smsgate/internal/status"
	"github.com/lalithlochan/smsgate/internal/webhook"
	"github.com/lalithlochan/smsgate/internal/worker"
)

// memStore is an in-memory Store that keeps the batch buckets the way the
// SQL repository does.
type memStore struct {
	mu        sync.Mutex
	devices   map[uuid.UUID]*db.Device
	batches   map[uuid.UUID]*db.Batch
	messages  map[uuid.UUID]*db.Message
	order     []uuid.UUID
	conflicts int // TransitionMessage calls to fail with ErrConflict
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[uuid.UUID]*db.Device),
		batches:  make(map[uuid.UUID]*db.Batch),
		messages: make(map[uuid.UUID]*db.Message),
	}
}

func (m *memStore) addDevice(userID uuid.UUID, enabled bool) *db.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &db.Device{
		ID:        uuid.New(),
		UserID:    userID,
		Model:     "Pixel 8",
		BuildID:   "AP1A",
		PushToken: "token-" + uuid.NewString()[:8],
		Enabled:   enabled,
	}
	m.devices[d.ID] = d
	return d
}

func (m *memStore) deviceSnapshot(id uuid.UUID) db.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.devices[id]
}

func (m *memStore) batchSnapshot(id uuid.UUID) db.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.batches[id]
}

func (m *memStore) messageSnapshot(id uuid.UUID) db.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.messages[id]
}

func (m *memStore) batchMessageIDs(batchID uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, id := range m.order {
		if msg := m.messages[id]; msg.BatchID != nil && *msg.BatchID == batchID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *memStore) UpsertDevice(_ context.Context, d *db.Device) (*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.UserID == d.UserID && existing.Model == d.Model && existing.BuildID == d.BuildID {
			existing.Brand = d.Brand
			existing.Manufacturer = d.Manufacturer
			existing.OS = d.OS
			existing.AppVersionCode = d.AppVersionCode
			existing.PushToken = d.PushToken
			existing.Enabled = d.Enabled
			cp := *existing
			return &cp, nil
		}
	}
	cp := *d
	m.devices[d.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetDevice(_ context.Context, id uuid.UUID) (*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDevicesByUser(_ context.Context, userID uuid.UUID) ([]*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListStaleDevices(_ context.Context, cutoff time.Time, limit int) ([]*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Device
	for _, d := range m.devices {
		if !d.Enabled || d.PushToken == "" {
			continue
		}
		if d.LastHeartbeat == nil || d.LastHeartbeat.Before(cutoff) {
			cp := *d
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpdateDevice(_ context.Context, id uuid.UUID, u db.DeviceUpdate) (*db.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if u.PushToken != nil {
		d.PushToken = *u.PushToken
	}
	if u.Enabled != nil {
		d.Enabled = *u.Enabled
	}
	if u.Brand != nil {
		d.Brand = *u.Brand
	}
	if u.Manufacturer != nil {
		d.Manufacturer = *u.Manufacturer
	}
	if u.OS != nil {
		d.OS = *u.OS
	}
	if u.AppVersionCode != nil {
		d.AppVersionCode = *u.AppVersionCode
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) IncrementDeviceCounters(_ context.Context, id uuid.UUID, sent, received int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return db.ErrNotFound
	}
	d.SentSMSCount += int64(sent)
	d.ReceivedSMSCount += int64(received)
	return nil
}

func (m *memStore) TouchHeartbeat(_ context.Context, id uuid.UUID, at time.Time, pushToken *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return db.ErrNotFound
	}
	d.LastHeartbeat = &at
	if pushToken != nil {
		d.PushToken = *pushToken
	}
	return nil
}

func (m *memStore) UserStats(_ context.Context, userID uuid.UUID) (*db.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s db.UserStats
	for _, d := range m.devices {
		if d.UserID == userID {
			s.TotalSentSMSCount += d.SentSMSCount
			s.TotalReceivedSMSCount += d.ReceivedSMSCount
			s.TotalDeviceCount++
		}
	}
	return &s, nil
}

func (m *memStore) CreateBatch(_ context.Context, b *db.Batch, messages []*db.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.CreatedAt = time.Now()
	b.Counts = db.StatusCounts{Pending: b.RecipientCount}
	cp := *b
	m.batches[b.ID] = &cp
	for _, msg := range messages {
		mc := *msg
		mc.CreatedAt = b.CreatedAt
		m.messages[msg.ID] = &mc
		m.order = append(m.order, msg.ID)
	}
	return nil
}

func (m *memStore) GetBatch(_ context.Context, id uuid.UUID) (*db.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) TransitionBatch(_ context.Context, id uuid.UUID, next status.Batch, errText *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return db.ErrNotFound
	}
	if err := b.Status.Transition(next); err != nil {
		return err
	}
	b.Status = next
	if errText != nil {
		b.Error = errText
	}
	return nil
}

func (m *memStore) ApplyBatchCounters(_ context.Context, id uuid.UUID, success, failure int, errText *string) (*db.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	b.SuccessCount += success
	b.FailureCount += failure
	if errText != nil {
		b.Error = errText
	}
	if next, settled := status.DeriveBatch(b.SuccessCount, b.FailureCount, b.RecipientCount); settled && next != b.Status && b.Status.CanTransition(next) {
		b.Status = next
		now := time.Now()
		b.CompletedAt = &now
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) FailPendingMessages(_ context.Context, batchID uuid.UUID, ids []uuid.UUID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	moved := 0
	now := time.Now()
	for _, msg := range m.messages {
		if msg.BatchID == nil || *msg.BatchID != batchID || msg.Status != status.MessagePending {
			continue
		}
		if ids != nil && !want[msg.ID] {
			continue
		}
		msg.Status = status.MessageFailed
		msg.FailedAt = &now
		r := reason
		msg.ErrorMessage = &r
		moved++
	}
	if b, ok := m.batches[batchID]; ok {
		b.Counts.Pending -= moved
		b.Counts.Failed += moved
	}
	return moved, nil
}

func (m *memStore) GetMessage(_ context.Context, id uuid.UUID) (*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *memStore) ListBatchMessages(_ context.Context, batchID uuid.UUID) ([]*db.Message, error) {
	var out []*db.Message
	for _, id := range m.batchMessageIDs(batchID) {
		msg := m.messageSnapshot(id)
		out = append(out, &msg)
	}
	return out, nil
}

func (m *memStore) ListDeviceMessages(_ context.Context, f db.MessageFilter) ([]*db.Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*db.Message
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.DeviceID != f.DeviceID || (f.Direction != "" && msg.Direction != f.Direction) {
			continue
		}
		cp := *msg
		all = append(all, &cp)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > total {
		end = total
	}
	return all[f.Offset:end], total, nil
}

func (m *memStore) FindReceivedDuplicate(_ context.Context, deviceID uuid.UUID, sender, body string, from, to time.Time) (*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.DeviceID != deviceID || msg.Direction != db.DirectionReceived {
			continue
		}
		if msg.Sender == nil || *msg.Sender != sender || msg.Body != body || msg.ReceivedAt == nil {
			continue
		}
		if msg.ReceivedAt.Before(from) || msg.ReceivedAt.After(to) {
			continue
		}
		cp := *msg
		return &cp, nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) CreateMessage(_ context.Context, msg *db.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.CreatedAt = time.Now()
	cp := *msg
	m.messages[msg.ID] = &cp
	m.order = append(m.order, msg.ID)
	return nil
}

func bucket(c *db.StatusCounts, s status.Message) *int {
	switch s {
	case status.MessagePending:
		return &c.Pending
	case status.MessageSent:
		return &c.Sent
	case status.MessageDelivered:
		return &c.Delivered
	case status.MessageFailed:
		return &c.Failed
	case status.MessageUnknown:
		return &c.Unknown
	}
	return nil
}

func (m *memStore) TransitionMessage(_ context.Context, c db.MessageStatusChange) (*db.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts > 0 {
		m.conflicts--
		return nil, db.ErrConflict
	}
	msg, ok := m.messages[c.MessageID]
	if !ok || msg.DeviceID != c.DeviceID || msg.Status != c.From {
		return nil, db.ErrConflict
	}
	msg.Status = c.To
	if c.SentAt != nil {
		msg.SentAt = c.SentAt
	}
	if c.DeliveredAt != nil {
		msg.DeliveredAt = c.DeliveredAt
	}
	if c.FailedAt != nil {
		msg.FailedAt = c.FailedAt
	}
	if c.ErrorCode != nil {
		msg.ErrorCode = c.ErrorCode
	}
	if c.ErrorMessage != nil {
		msg.ErrorMessage = c.ErrorMessage
	}
	if msg.BatchID == nil {
		return nil, nil
	}
	b := m.batches[*msg.BatchID]
	*bucket(&b.Counts, c.From)--
	*bucket(&b.Counts, c.To)++
	cp := *b
	return &cp, nil
}

func (m *memStore) SweepStalePending(_ context.Context, cutoff time.Time, reason string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	messages, batches := 0, 0
	for _, msg := range m.messages {
		if msg.Status != status.MessagePending || !msg.CreatedAt.Before(cutoff) {
			continue
		}
		msg.Status = status.MessageUnknown
		r := reason
		msg.ErrorMessage = &r
		messages++
		if msg.BatchID != nil {
			b := m.batches[*msg.BatchID]
			b.Counts.Pending--
			b.Counts.Unknown++
		}
	}
	for _, b := range m.batches {
		if b.Status == status.BatchPending && b.CreatedAt.Before(cutoff) {
			b.Status = status.BatchUnknown
			r := reason
			b.Error = &r
			batches++
		}
	}
	return messages, batches, nil
}

// fakeDispatcher fails the recipients listed in failFor, or the whole call
// when callErr is set.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   [][]push.Message
	tokens  []string
	failFor map[string]bool
	callErr error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, token string, msgs []push.Message) ([]push.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	f.tokens = append(f.tokens, token)
	if f.callErr != nil {
		return nil, f.callErr
	}
	out := make([]push.Outcome, len(msgs))
	for i, m := range msgs {
		for r := range f.failFor {
			if containsRecipient(m, r) {
				out[i] = push.Outcome{Err: errors.New("registration token not registered")}
			}
		}
		if out[i].Err == nil {
			out[i].MessageID = "msg-" + uuid.NewString()[:6]
		}
	}
	return out, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func containsRecipient(m push.Message, recipient string) bool {
	data := m.Data["smsData"]
	return strings.Contains(data, `"recipients":["`+recipient+`"]`)
}

// fakeQueue records submitted jobs.
type fakeQueue struct {
	mu     sync.Mutex
	jobs   []*worker.Job
	delays []time.Duration
	failAt int // 1-based submit call to fail; 0 never fails
}

func (q *fakeQueue) Submit(_ context.Context, job *worker.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failAt > 0 && len(q.jobs)+1 == q.failAt {
		return errors.New("queue unavailable")
	}
	job.ID = uuid.NewString()
	q.jobs = append(q.jobs, job)
	q.delays = append(q.delays, delay)
	return nil
}

// fakeNotifier records raised events.
type fakeNotifier struct {
	mu       sync.Mutex
	triggers []webhook.Trigger
}

func (n *fakeNotifier) Deliver(_ context.Context, t webhook.Trigger) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.triggers = append(n.triggers, t)
	return nil
}

func (n *fakeNotifier) events() []webhook.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]webhook.Event, len(n.triggers))
	for i, t := range n.triggers {
		out[i] = t.Event
	}
	return out
}

// denyBilling rejects every action.
type denyBilling struct{}

func (denyBilling) CanPerformAction(context.Context, uuid.UUID, billing.Action, int) error {
	return &billing.LimitError{
		Reason: "You have reached your daily limit, you only have 0 remaining",
		Limits: billing.Limits{DailyLimit: 10},
	}
}

// countingBilling allows everything and records the calls.
type countingBilling struct {
	actions []billing.Action
	counts  []int
}

func (c *countingBilling) CanPerformAction(_ context.Context, _ uuid.UUID, action billing.Action, count int) error {
	c.actions = append(c.actions, action)
	c.counts = append(c.counts, count)
	return nil
}
