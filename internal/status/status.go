// Package status holds the lifecycle state machines for batches, messages and
// webhook notifications. Every status change in the service goes through one of
// the transition tables below; anything not listed is rejected.
package status

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a status change is not in the table.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrUnknownStatus is returned when a reported status is not canonical.
var ErrUnknownStatus = errors.New("unknown status")

// Batch is the lifecycle state of one send operation.
type Batch string

const (
	BatchPending        Batch = "pending"
	BatchProcessing     Batch = "processing"
	BatchCompleted      Batch = "completed"
	BatchPartialSuccess Batch = "partial_success"
	BatchFailed         Batch = "failed"
	BatchUnknown        Batch = "unknown"
)

var batchOrder = []Batch{
	BatchPending, BatchProcessing, BatchCompleted,
	BatchPartialSuccess, BatchFailed, BatchUnknown,
}

var batchTransitions = map[Batch][]Batch{
	BatchPending:        {BatchProcessing, BatchCompleted, BatchPartialSuccess, BatchFailed, BatchUnknown},
	BatchProcessing:     {BatchCompleted, BatchPartialSuccess, BatchFailed},
	BatchPartialSuccess: {BatchCompleted, BatchFailed},
	BatchCompleted:      {BatchFailed},
	BatchUnknown:        {BatchCompleted, BatchFailed},
	BatchFailed:         {},
}

// Valid reports whether b is a known batch status.
func (b Batch) Valid() bool {
	_, ok := batchTransitions[b]
	return ok
}

// CanTransition reports whether b may move to next.
func (b Batch) CanTransition(next Batch) bool {
	return contains(batchTransitions[b], next)
}

// Transition validates a move from b to next.
func (b Batch) Transition(next Batch) error {
	if !b.CanTransition(next) {
		return fmt.Errorf("%w: batch %s -> %s", ErrInvalidTransition, b, next)
	}
	return nil
}

// BatchSources lists every status that may move to next. Storage uses it to
// guard conditional updates so the table is enforced inside the write itself.
func BatchSources(next Batch) []Batch {
	var sources []Batch
	for _, from := range batchOrder {
		if from.CanTransition(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// DeriveBatch computes the status implied by a batch's dispatch counters.
// It returns false when the counters do not settle the batch yet.
func DeriveBatch(success, failure, recipients int) (Batch, bool) {
	switch {
	case recipients > 0 && success == recipients:
		return BatchCompleted, true
	case recipients > 0 && failure == recipients:
		return BatchFailed, true
	case failure > 0:
		return BatchPartialSuccess, true
	default:
		return "", false
	}
}

// Message is the lifecycle state of a single SMS.
type Message string

const (
	MessagePending   Message = "pending"
	MessageSent      Message = "sent"
	MessageDelivered Message = "delivered"
	MessageFailed    Message = "failed"
	MessageReceived  Message = "received"
	MessageUnknown   Message = "unknown"
)

var messageOrder = []Message{
	MessagePending, MessageSent, MessageDelivered,
	MessageFailed, MessageReceived, MessageUnknown,
}

var messageTransitions = map[Message][]Message{
	MessagePending:   {MessageSent, MessageDelivered, MessageFailed, MessageUnknown},
	MessageSent:      {MessageDelivered, MessageFailed, MessageUnknown},
	MessageDelivered: {},
	MessageFailed:    {},
	MessageReceived:  {},
	MessageUnknown:   {},
}

// NormalizeMessage maps a device-reported status onto the canonical set
// {sent, delivered, failed, received, unknown}.
func NormalizeMessage(raw string) (Message, error) {
	s := Message(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case MessageSent, MessageDelivered, MessageFailed, MessageReceived, MessageUnknown:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// Valid reports whether m is a known message status.
func (m Message) Valid() bool {
	_, ok := messageTransitions[m]
	return ok
}

// Terminal reports whether m has no outgoing transitions.
func (m Message) Terminal() bool {
	return m.Valid() && len(messageTransitions[m]) == 0
}

// CanTransition reports whether m may move to next.
func (m Message) CanTransition(next Message) bool {
	return contains(messageTransitions[m], next)
}

// Transition validates a move from m to next.
func (m Message) Transition(next Message) error {
	if !m.CanTransition(next) {
		return fmt.Errorf("%w: message %s -> %s", ErrInvalidTransition, m, next)
	}
	return nil
}

// MessageSources lists every status that may move to next.
func MessageSources(next Message) []Message {
	var sources []Message
	for _, from := range messageOrder {
		if from.CanTransition(next) {
			sources = append(sources, from)
		}
	}
	return sources
}

// MaxDeliveryAttempts is the attempt ceiling after which a webhook
// notification is no longer picked up by the sweep.
const MaxDeliveryAttempts = 10

// Notification is the delivery state of a webhook notification. It is derived
// from the record fields rather than stored.
type Notification string

const (
	NotificationCreated    Notification = "created"
	NotificationAttempting Notification = "attempting"
	NotificationDelivered  Notification = "delivered"
	NotificationAborted    Notification = "aborted"
	NotificationExhausted  Notification = "exhausted"
)

var notificationTransitions = map[Notification][]Notification{
	NotificationCreated:    {NotificationAttempting, NotificationDelivered, NotificationAborted},
	NotificationAttempting: {NotificationAttempting, NotificationDelivered, NotificationAborted, NotificationExhausted},
	NotificationDelivered:  {},
	NotificationAborted:    {},
	NotificationExhausted:  {},
}

// NotificationState derives the state of a notification from its fields.
func NotificationState(deliveredAt, abortedAt *time.Time, attempts int) Notification {
	switch {
	case deliveredAt != nil:
		return NotificationDelivered
	case abortedAt != nil:
		return NotificationAborted
	case attempts >= MaxDeliveryAttempts:
		return NotificationExhausted
	case attempts == 0:
		return NotificationCreated
	default:
		return NotificationAttempting
	}
}

// Terminal reports whether no further delivery attempt is allowed.
func (n Notification) Terminal() bool {
	return len(notificationTransitions[n]) == 0
}

// Transition validates a move from n to next.
func (n Notification) Transition(next Notification) error {
	if !contains(notificationTransitions[n], next) {
		return fmt.Errorf("%w: notification %s -> %s", ErrInvalidTransition, n, next)
	}
	return nil
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
