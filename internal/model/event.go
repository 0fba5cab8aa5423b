package model

import (
	"strings"
	"time"
)

// EventType names an event on a tenant's stream.
type EventType string

const (
	EventPairingCode   EventType = "pairing-code"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventSyncProgress  EventType = "sync-progress"
	EventSyncComplete  EventType = "sync-complete"
	EventSyncError     EventType = "sync-error"
	EventAuthFailure   EventType = "auth-failure"
	EventInitError     EventType = "init-error"
	EventDisconnected  EventType = "disconnected"
	// EventMessage carries a live message persisted after the initial sync.
	EventMessage EventType = "message"
)

var knownEventTypes = map[EventType]struct{}{
	EventPairingCode:   {},
	EventAuthenticated: {},
	EventReady:         {},
	EventSyncProgress:  {},
	EventSyncComplete:  {},
	EventSyncError:     {},
	EventAuthFailure:   {},
	EventInitError:     {},
	EventDisconnected:  {},
	EventMessage:       {},
}

// ParseEventType maps either a bare event name ("ready") or a broker subject / routing key
// whose last token is the event name ("wa.session.42.ready") to a known EventType.
func ParseEventType(input string) (EventType, bool) {
	if _, ok := knownEventTypes[EventType(input)]; ok {
		return EventType(input), true
	}
	i := strings.LastIndex(input, ".")
	if i <= 0 || i == len(input)-1 {
		return "", false
	}
	candidate := EventType(input[i+1:])
	if _, ok := knownEventTypes[candidate]; ok {
		return candidate, true
	}
	return "", false
}

// Event is one published occurrence on a tenant's stream.
type Event struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PairingCodePayload carries the opaque code the user presents on the platform.
type PairingCodePayload struct {
	Code string `json:"code"`
	// Replayed is set when the code comes from the cache rather than a fresh handle signal.
	Replayed bool `json:"replayed,omitempty"`
}

// ReadyPayload is published when a handle becomes usable.
type ReadyPayload struct {
	LinkedAccount string `json:"linked_account"`
	PushName      string `json:"push_name,omitempty"`
	DataCleared   bool   `json:"data_cleared"`
}

// SyncProgressPayload carries running totals after each conversation.
type SyncProgressPayload struct {
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	Messages    int    `json:"messages"`
	Contacts    int    `json:"contacts"`
	CurrentName string `json:"current_name"`
}

// SyncCompletePayload is published at the end of every sync run, successful or not.
type SyncCompletePayload struct {
	Conversations int    `json:"conversations"`
	Messages      int    `json:"messages"`
	Contacts      int    `json:"contacts"`
	Note          string `json:"note,omitempty"`
}

// ErrorPayload is used by sync-error, auth-failure and init-error.
type ErrorPayload struct {
	Reason string `json:"reason"`
}

// DisconnectedPayload is published on every handle teardown.
type DisconnectedPayload struct {
	Reason      string `json:"reason"`
	DataCleared bool   `json:"data_cleared"`
}

// MessagePayload carries a live message after it was persisted.
type MessagePayload struct {
	Message Message `json:"message"`
}
