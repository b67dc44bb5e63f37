// Package model defines data structures for the support desk.
package model

import (
	"time"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	StatusOpen         TicketStatus = "open"
	StatusWaitForReply TicketStatus = "wait_for_reply"
	StatusEscalated    TicketStatus = "escalated"
	StatusClosed       TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusWaitForReply, StatusEscalated, StatusClosed:
		return true
	}
	return false
}

// Ticket is a unit of support work tracked from open to closed.
type Ticket struct {
	ID                string       `gorm:"primaryKey;size:64" json:"id"`
	CustomerName      string       `gorm:"size:255" json:"customer_name"`
	CustomerEmail     string       `gorm:"size:255" json:"customer_email"`
	Status            TicketStatus `gorm:"size:32;not null;default:open;index" json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `gorm:"index" json:"updated_at"`
	EscalationReason  *string      `gorm:"type:text" json:"escalation_reason,omitempty"`
	ExternalThreadRef *string      `gorm:"size:128;index" json:"external_thread_ref,omitempty"`
	Summary           *string      `gorm:"type:text" json:"summary,omitempty"`
}

// TableName overrides the gorm default.
func (Ticket) TableName() string { return "tickets" }

// Customer identifies the person a ticket belongs to.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Customer returns the ticket's customer identity.
func (t *Ticket) Customer() Customer {
	return Customer{Name: t.CustomerName, Email: t.CustomerEmail}
}

// ListTicketsResponse is the response for listing tickets.
type ListTicketsResponse struct {
	Tickets []Ticket `json:"tickets"`
	Total   int      `json:"total"`
}

// ConversationSummary aggregates a ticket's message log.
type ConversationSummary struct {
	Ticket         Ticket         `json:"ticket"`
	MessageCounts  map[Role]int   `json:"message_counts"`
	ToolCounts     map[string]int `json:"tool_counts"`
	TotalMessages  int            `json:"total_messages"`
	FirstMessageAt *time.Time     `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time     `json:"last_message_at,omitempty"`
}

// SearchResult is a conversation search hit.
type SearchResult struct {
	TicketID      string       `json:"ticket_id"`
	CustomerName  string       `json:"customer_name"`
	CustomerEmail string       `json:"customer_email"`
	Status        TicketStatus `json:"status"`
	MessageID     string       `json:"message_id,omitempty"`
	Role          Role         `json:"role,omitempty"`
	Snippet       string       `json:"snippet"`
	CreatedAt     time.Time    `json:"created_at"`
}
