// Package push turns SMS envelopes into device-bound push messages and hands
// them to a transport. Delivery is best effort and at most once per call;
// retrying is the caller's business.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PriorityHigh asks the transport to wake the device immediately.
const PriorityHigh = "high"

// ErrNoToken is returned when a device has no push token to address.
var ErrNoToken = errors.New("device has no push token")

// Message is one transport message: opaque string data plus a delivery hint.
type Message struct {
	Data     map[string]string
	Priority string
}

// Envelope is the logical instruction for a device to send one SMS.
type Envelope struct {
	SMSID             uuid.UUID         `json:"sms_id"`
	BatchID           uuid.UUID         `json:"batch_id"`
	Body              string            `json:"body"`
	Recipient         string            `json:"recipient"`
	SIMSubscriptionID *int              `json:"sim_subscription_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// smsData is the JSON the device app expects under the smsData key.
type smsData struct {
	SMSID             string            `json:"smsId"`
	SMSBatchID        string            `json:"smsBatchId"`
	Message           string            `json:"message"`
	Recipients        []string          `json:"recipients"`
	SIMSubscriptionID *int              `json:"simSubscriptionId,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// Older app builds read these.
	SMSBody   string   `json:"smsBody"`
	Receivers []string `json:"receivers"`
}

// Message encodes the envelope for the device.
func (e Envelope) Message() (Message, error) {
	data, err := json.Marshal(smsData{
		SMSID:             e.SMSID.String(),
		SMSBatchID:        e.BatchID.String(),
		Message:           e.Body,
		Recipients:        []string{e.Recipient},
		SIMSubscriptionID: e.SIMSubscriptionID,
		Metadata:          e.Metadata,
		SMSBody:           e.Body,
		Receivers:         []string{e.Recipient},
	})
	if err != nil {
		return Message{}, fmt.Errorf("encode sms data %s: %w", e.SMSID, err)
	}
	return Message{
		Data:     map[string]string{"smsData": string(data)},
		Priority: PriorityHigh,
	}, nil
}

// Messages encodes envelopes in order.
func Messages(envelopes []Envelope) ([]Message, error) {
	out := make([]Message, 0, len(envelopes))
	for _, e := range envelopes {
		m, err := e.Message()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// HeartbeatCheck asks a device to report back.
func HeartbeatCheck() Message {
	return Message{
		Data:     map[string]string{"type": "heartbeat_check"},
		Priority: PriorityHigh,
	}
}

// Outcome is the per-message result of a dispatch. Err is nil on success.
type Outcome struct {
	MessageID string
	Err       error
}

// Success reports whether the transport accepted the message.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// CountSuccess returns how many outcomes succeeded.
func CountSuccess(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Success() {
			n++
		}
	}
	return n
}

// Dispatcher sends messages to one device token. The returned outcomes match
// the input order one to one; a failure for one message never fails the
// others. A non-nil error means the call as a whole could not be made.
type Dispatcher interface {
	Dispatch(ctx context.Context, token string, msgs []Message) ([]Outcome, error)
}

// failAll builds outcomes that all carry err.
func failAll(n int, err error) []Outcome {
	out := make([]Outcome, n)
	for i := range out {
		out[i] = Outcome{Err: err}
	}
	return out
}
