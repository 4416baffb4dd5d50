package webhook

import (
	"fmt"
	"sort"

	"github.com/lalithlochan/smsgate/internal/status"
)

// Event is a webhook event type a subscription can listen to.
type Event string

const (
	EventMessageReceived  Event = "MESSAGE_RECEIVED"
	EventMessageSent      Event = "MESSAGE_SENT"
	EventMessageDelivered Event = "MESSAGE_DELIVERED"
	EventMessageFailed    Event = "MESSAGE_FAILED"
	EventUnknownState     Event = "UNKNOWN_STATE"
)

var knownEvents = map[Event]bool{
	EventMessageReceived:  true,
	EventMessageSent:      true,
	EventMessageDelivered: true,
	EventMessageFailed:    true,
	EventUnknownState:     true,
}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	return knownEvents[e]
}

// EventForStatus maps a message status onto the event fired for it.
func EventForStatus(s status.Message) (Event, bool) {
	switch s {
	case status.MessageReceived:
		return EventMessageReceived, true
	case status.MessageSent:
		return EventMessageSent, true
	case status.MessageDelivered:
		return EventMessageDelivered, true
	case status.MessageFailed:
		return EventMessageFailed, true
	case status.MessageUnknown:
		return EventUnknownState, true
	}
	return "", false
}

// normalizeEvents validates, dedupes and sorts an event list so the same set
// always has the same stored form.
func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidEvent)
	}
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		if !Event(e).Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, e)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Strings(out)
	return out, nil
}
