package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/db"
)

// memStore is an in-memory Store.
type memStore struct {
	mu            sync.Mutex
	subs          map[uuid.UUID]*db.WebhookSubscription
	notifications map[uuid.UUID]*db.WebhookNotification
	attempts      []db.DeliveryAttempt
}

func newMemStore() *memStore {
	return &memStore{
		subs:          make(map[uuid.UUID]*db.WebhookSubscription),
		notifications: make(map[uuid.UUID]*db.WebhookNotification),
	}
}

func sameEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *memStore) CreateSubscription(_ context.Context, s *db.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subs {
		if existing.UserID == s.UserID && sameEvents(existing.Events, s.Events) {
			return db.ErrDuplicate
		}
	}
	s.CreatedAt = time.Now()
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *memStore) GetSubscription(_ context.Context, id uuid.UUID) (*db.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListSubscriptions(_ context.Context, userID uuid.UUID) ([]*db.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.WebhookSubscription
	for _, s := range m.subs {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) FindActiveSubscription(_ context.Context, userID uuid.UUID, event string) (*db.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.UserID != userID || !s.IsActive {
			continue
		}
		for _, e := range s.Events {
			if e == event {
				cp := *s
				return &cp, nil
			}
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) UpdateSubscription(_ context.Context, id uuid.UUID, u db.WebhookSubscriptionUpdate) (*db.WebhookSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if u.DeliveryURL != nil {
		s.DeliveryURL = *u.DeliveryURL
	}
	if u.SigningSecret != nil {
		s.SigningSecret = *u.SigningSecret
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.Events != nil {
		s.Events = u.Events
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) CreateNotification(_ context.Context, n *db.WebhookNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.CreatedAt = time.Now()
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *memStore) RecordDeliveryAttempt(_ context.Context, a db.DeliveryAttempt) (*db.WebhookNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[a.NotificationID]
	if !ok {
		return nil, db.ErrNotFound
	}
	m.attempts = append(m.attempts, a)
	n.DeliveryAttemptCount++
	at := a.At
	n.LastDeliveryAttemptAt = &at
	if a.Delivered {
		n.DeliveredAt = &at
	}
	n.NextDeliveryAttemptAt = a.NextAttemptAt

	if s, ok := m.subs[a.SubscriptionID]; ok {
		s.DeliveryAttemptCount++
		if a.Delivered {
			s.SuccessfulDeliveryCount++
			s.LastDeliverySuccessAt = &at
		} else {
			s.DeliveryFailureCount++
			s.LastDeliveryFailureAt = &at
		}
	}
	cp := *n
	return &cp, nil
}

func (m *memStore) AbortNotification(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok && n.DeliveryAttemptAbortedAt == nil {
		n.DeliveryAttemptAbortedAt = &at
		n.NextDeliveryAttemptAt = nil
	}
	return nil
}

func (m *memStore) ClaimDueNotifications(_ context.Context, now time.Time, maxAttempts, limit int, lease time.Duration) ([]*db.WebhookNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*db.WebhookNotification
	for _, n := range m.notifications {
		if len(due) == limit {
			break
		}
		if n.NextDeliveryAttemptAt == nil || n.NextDeliveryAttemptAt.After(now) {
			continue
		}
		if n.DeliveredAt != nil || n.DeliveryAttemptAbortedAt != nil || n.DeliveryAttemptCount >= maxAttempts {
			continue
		}
		next := now.Add(lease)
		n.NextDeliveryAttemptAt = &next
		cp := *n
		due = append(due, &cp)
	}
	return due, nil
}

func (m *memStore) notification(id uuid.UUID) *db.WebhookNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.notifications[id]
	return &cp
}

func (m *memStore) onlyNotification() *db.WebhookNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		cp := *n
		return &cp
	}
	return nil
}
