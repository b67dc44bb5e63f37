package model

import (
	"time"
)

// EventType represents the type of ticket event.
type EventType string

const (
	EventTypeCreated       EventType = "created"
	EventTypeStatusChanged EventType = "status_changed"
	EventTypeReply         EventType = "reply"
	EventTypeEscalated     EventType = "escalated"
	EventTypeAgentError    EventType = "agent_error"
)

// TicketEvent is published to the event feed when a ticket changes.
type TicketEvent struct {
	ID        string         `json:"id"`
	TicketID  string         `json:"ticket_id"`
	Type      EventType      `json:"type"`
	Status    TicketStatus   `json:"status,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Sequence  uint64         `json:"sequence,omitempty"`
}

// ListEventsResponse is the response for replaying ticket events.
type ListEventsResponse struct {
	Events       []TicketEvent `json:"events"`
	HasMore      bool          `json:"has_more"`
	LastSequence uint64        `json:"last_sequence"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
