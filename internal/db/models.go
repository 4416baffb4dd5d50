package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/status"
)

// Device is a user-owned Android phone acting as an SMS modem
type Device struct {
	ID                       uuid.UUID  `json:"id"`
	UserID                   uuid.UUID  `json:"userId"`
	Model                    string     `json:"model"`
	BuildID                  string     `json:"buildId"`
	Brand                    string     `json:"brand,omitempty"`
	Manufacturer             string     `json:"manufacturer,omitempty"`
	OS                       string     `json:"os,omitempty"`
	AppVersionCode           int        `json:"appVersionCode,omitempty"`
	PushToken                string     `json:"-"`
	Enabled                  bool       `json:"enabled"`
	SentSMSCount             int64      `json:"sentSMSCount"`
	ReceivedSMSCount         int64      `json:"receivedSMSCount"`
	LastHeartbeat            *time.Time `json:"lastHeartbeat,omitempty"`
	HeartbeatIntervalMinutes int        `json:"heartbeatIntervalMinutes"`
	CreatedAt                time.Time  `json:"createdAt"`
	UpdatedAt                time.Time  `json:"updatedAt"`
}

// DeviceUpdate carries the fields a caller wants to change; nil fields are left alone
type DeviceUpdate struct {
	PushToken      *string
	Enabled        *bool
	Brand          *string
	Manufacturer   *string
	OS             *string
	AppVersionCode *int
}

// StatusCounts tracks how many messages of a batch sit in each status
type StatusCounts struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Unknown   int `json:"unknown"`
}

// Of returns the bucket size for s.
func (c StatusCounts) Of(s status.Message) int {
	switch s {
	case status.MessagePending:
		return c.Pending
	case status.MessageSent:
		return c.Sent
	case status.MessageDelivered:
		return c.Delivered
	case status.MessageFailed:
		return c.Failed
	case status.MessageUnknown:
		return c.Unknown
	}
	return 0
}

// Batch is one user send operation fanned out to N messages
type Batch struct {
	ID               uuid.UUID    `json:"id"`
	DeviceID         uuid.UUID    `json:"deviceId"`
	Message          string       `json:"message"`
	RecipientCount   int          `json:"recipientCount"`
	RecipientPreview *string      `json:"recipientPreview"`
	SuccessCount     int          `json:"successCount"`
	FailureCount     int          `json:"failureCount"`
	Status           status.Batch `json:"status"`
	Error            *string      `json:"error,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	Counts           StatusCounts `json:"statusCounts"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Message directions
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Message is a single SMS, either sent through a batch or received by a device
type Message struct {
	ID                uuid.UUID      `json:"id"`
	DeviceID          uuid.UUID      `json:"deviceId"`
	BatchID           *uuid.UUID     `json:"batchId,omitempty"`
	Direction         string         `json:"type"`
	Recipient         *string        `json:"recipient,omitempty"`
	Sender            *string        `json:"sender,omitempty"`
	Body              string         `json:"message"`
	Status            status.Message `json:"status"`
	SIMSubscriptionID *int           `json:"simSubscriptionId,omitempty"`
	RequestedAt       *time.Time     `json:"requestedAt,omitempty"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time     `json:"deliveredAt,omitempty"`
	FailedAt          *time.Time     `json:"failedAt,omitempty"`
	ReceivedAt        *time.Time     `json:"receivedAt,omitempty"`
	ErrorCode         *string        `json:"errorCode,omitempty"`
	ErrorMessage      *string        `json:"errorMessage,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// MessageStatusChange moves one message From -> To as a conditional update
type MessageStatusChange struct {
	MessageID    uuid.UUID
	DeviceID     uuid.UUID
	From         status.Message
	To           status.Message
	SentAt       *time.Time
	DeliveredAt  *time.Time
	FailedAt     *time.Time
	ErrorCode    *string
	ErrorMessage *string
}

// MessageFilter selects a page of a device's messages
type MessageFilter struct {
	DeviceID  uuid.UUID
	Direction string // empty means both directions
	Limit     int
	Offset    int
}

// UserStats aggregates device counters for one user
type UserStats struct {
	TotalSentSMSCount     int64 `json:"totalSentSMSCount"`
	TotalReceivedSMSCount int64 `json:"totalReceivedSMSCount"`
	TotalDeviceCount      int64 `json:"totalDeviceCount"`
}

// WebhookSubscription is a user's endpoint registration for a set of events
type WebhookSubscription struct {
	ID                      uuid.UUID  `json:"id"`
	UserID                  uuid.UUID  `json:"userId"`
	DeliveryURL             string     `json:"deliveryUrl"`
	SigningSecret           string     `json:"-"`
	IsActive                bool       `json:"isActive"`
	Events                  []string   `json:"events"`
	SuccessfulDeliveryCount int        `json:"successfulDeliveryCount"`
	DeliveryFailureCount    int        `json:"deliveryFailureCount"`
	DeliveryAttemptCount    int        `json:"deliveryAttemptCount"`
	LastDeliverySuccessAt   *time.Time `json:"lastDeliverySuccessAt,omitempty"`
	LastDeliveryFailureAt   *time.Time `json:"lastDeliveryFailureAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// WebhookSubscriptionUpdate carries optional subscription changes
type WebhookSubscriptionUpdate struct {
	DeliveryURL   *string
	SigningSecret *string
	IsActive      *bool
	Events        []string
}

// WebhookNotification is the delivery sequence for one fired event
type WebhookNotification struct {
	ID                       uuid.UUID       `json:"id"`
	SubscriptionID           uuid.UUID       `json:"subscriptionId"`
	Event                    string          `json:"event"`
	Payload                  json.RawMessage `json:"payload"`
	SMSID                    *uuid.UUID      `json:"smsId,omitempty"`
	DeliveredAt              *time.Time      `json:"deliveredAt,omitempty"`
	LastDeliveryAttemptAt    *time.Time      `json:"lastDeliveryAttemptAt,omitempty"`
	NextDeliveryAttemptAt    *time.Time      `json:"nextDeliveryAttemptAt,omitempty"`
	DeliveryAttemptCount     int             `json:"deliveryAttemptCount"`
	DeliveryAttemptAbortedAt *time.Time      `json:"deliveryAttemptAbortedAt,omitempty"`
	CreatedAt                time.Time       `json:"createdAt"`
	UpdatedAt                time.Time       `json:"updatedAt"`
}

// State derives the delivery state from the record fields.
func (n *WebhookNotification) State() status.Notification {
	return status.NotificationState(n.DeliveredAt, n.DeliveryAttemptAbortedAt, n.DeliveryAttemptCount)
}

// DeliveryAttempt is the outcome of one webhook POST
type DeliveryAttempt struct {
	NotificationID uuid.UUID
	SubscriptionID uuid.UUID
	At             time.Time
	Delivered      bool
	NextAttemptAt  *time.Time
}
