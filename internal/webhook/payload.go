package webhook

import (
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/smsgate/internal/db"
)

// Payload is the JSON body POSTed to a subscriber. Field names are part of
// the public contract.
type Payload struct {
	SMSID                 uuid.UUID         `json:"smsId"`
	SMSBatchID            *uuid.UUID        `json:"smsBatchId,omitempty"`
	DeviceID              uuid.UUID         `json:"deviceId"`
	WebhookSubscriptionID uuid.UUID         `json:"webhookSubscriptionId"`
	WebhookEvent          Event             `json:"webhookEvent"`
	Message               string            `json:"message"`
	Sender                *string           `json:"sender,omitempty"`
	Recipient             *string           `json:"recipient,omitempty"`
	Status                string            `json:"status"`
	ReceivedAt            *time.Time        `json:"receivedAt,omitempty"`
	SentAt                *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt           *time.Time        `json:"deliveredAt,omitempty"`
	FailedAt              *time.Time        `json:"failedAt,omitempty"`
	ErrorCode             *string           `json:"errorCode,omitempty"`
	ErrorMessage          *string           `json:"errorMessage,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Trigger is one fired event for one message.
type Trigger struct {
	Event    Event
	SMS      *db.Message
	UserID   uuid.UUID
	Metadata map[string]string
}

// NewPayload builds the payload for a trigger addressed to one subscription.
func NewPayload(t Trigger, subscriptionID uuid.UUID) Payload {
	sms := t.SMS
	return Payload{
		SMSID:                 sms.ID,
		SMSBatchID:            sms.BatchID,
		DeviceID:              sms.DeviceID,
		WebhookSubscriptionID: subscriptionID,
		WebhookEvent:          t.Event,
		Message:               sms.Body,
		Sender:                sms.Sender,
		Recipient:             sms.Recipient,
		Status:                string(sms.Status),
		ReceivedAt:            sms.ReceivedAt,
		SentAt:                sms.SentAt,
		DeliveredAt:           sms.DeliveredAt,
		FailedAt:              sms.FailedAt,
		ErrorCode:             sms.ErrorCode,
		ErrorMessage:          sms.ErrorMessage,
		Metadata:              t.Metadata,
	}
}
