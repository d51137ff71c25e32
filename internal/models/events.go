package models

type EventType string

const (
	EventMessage    EventType = "message"  // new message appended to a session
	EventStatus     EventType = "status"   // delivery status change
	EventTyping     EventType = "typing"   // remote composing flag change
	EventPresence   EventType = "presence" // contact went online/offline
	EventContact    EventType = "contact"  // contact created or updated
	EventNotice     EventType = "notice"   // non-fatal fault notice
	EventCallState  EventType = "call"     // call state machine transition
)

// Event is what the core emits to the presentation collaborator. One
// struct with optional fields, mirroring which EventType is set.
type Event struct {
	Type      EventType      `json:"type"`
	ContactID string         `json:"contactId,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Status    DeliveryStatus `json:"status,omitempty"`
	IsTyping  bool           `json:"isTyping,omitempty"`
	Online    bool           `json:"online,omitempty"`
	CallState string         `json:"callState,omitempty"`
	Notice    string         `json:"notice,omitempty"`
}
