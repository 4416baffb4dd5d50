package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/db"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// PageMeta describes one page of a listing.
type PageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// MessagePage is a page of messages.
type MessagePage struct {
	Meta PageMeta      `json:"meta"`
	Data []*db.Message `json:"data"`
}

// BatchDetail is a batch with its messages.
type BatchDetail struct {
	Batch    *db.Batch     `json:"batch"`
	Messages []*db.Message `json:"messages"`
}

// MessageKind filters message listings.
type MessageKind string

const (
	KindAll      MessageKind = "all"
	KindSent     MessageKind = "sent"
	KindReceived MessageKind = "received"
)

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// ListReceived returns a page of inbound messages, newest first.
func (s *Service) ListReceived(ctx context.Context, userID, deviceID uuid.UUID, page, limit int) (*MessagePage, error) {
	return s.ListMessages(ctx, userID, deviceID, KindReceived, page, limit)
}

// ListMessages returns a page of a device's messages.
func (s *Service) ListMessages(ctx context.Context, userID, deviceID uuid.UUID, kind MessageKind, page, limit int) (*MessagePage, error) {
	if _, err := s.device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	page, limit = clampPage(page, limit)

	var direction string
	switch kind {
	case KindSent:
		direction = db.DirectionSent
	case KindReceived:
		direction = db.DirectionReceived
	}

	messages, total, err := s.store.ListDeviceMessages(ctx, db.MessageFilter{
		DeviceID:  deviceID,
		Direction: direction,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if messages == nil {
		messages = []*db.Message{}
	}

	return &MessagePage{
		Meta: PageMeta{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
		Data: messages,
	}, nil
}

// GetMessage returns one of a device's messages.
func (s *Service) GetMessage(ctx context.Context, userID, deviceID, smsID uuid.UUID) (*db.Message, error) {
	if _, err := s.device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	msg, err := s.message(ctx, smsID)
	if err != nil {
		return nil, err
	}
	if msg.DeviceID != deviceID {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// GetBatch returns one of a device's batches with its messages.
func (s *Service) GetBatch(ctx context.Context, userID, deviceID, batchID uuid.UUID) (*BatchDetail, error) {
	if _, err := s.device(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	batch, err := s.store.GetBatch(ctx, batchID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if batch.DeviceID != deviceID {
		return nil, ErrBatchNotFound
	}

	messages, err := s.store.ListBatchMessages(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch messages: %w", err)
	}
	if messages == nil {
		messages = []*db.Message{}
	}
	return &BatchDetail{Batch: batch, Messages: messages}, nil
}

// Stats sums the counters of the user's devices.
func (s *Service) Stats(ctx context.Context, userID uuid.UUID) (*db.UserStats, error) {
	stats, err := s.store.UserStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}
	return stats, nil
}
