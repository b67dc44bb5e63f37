package model

import (
	"time"

	"gorm.io/datatypes"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Metadata keys written alongside messages.
const (
	MetaOriginalContent = "original_content"
	MetaCustomerInfo    = "customer_info"
	MetaToolName        = "tool_name"
	MetaToolArgs        = "tool_args"
	MetaFinalResponse   = "final_response"
	MetaDirectResponse  = "direct_response"
)

// ToolCall is a structured request from the model to run a tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one persisted entry of a ticket's conversation log.
type Message struct {
	ID         string            `gorm:"primaryKey;size:36" json:"id"`
	TicketID   string            `gorm:"size:64;not null;uniqueIndex:idx_messages_ticket_seq" json:"ticket_id"`
	Sequence   int               `gorm:"not null;uniqueIndex:idx_messages_ticket_seq" json:"sequence"`
	Role       Role              `gorm:"size:16;not null" json:"role"`
	Content    string            `gorm:"type:text" json:"content"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	ToolCalls  []ToolCall        `gorm:"serializer:json;type:text" json:"tool_calls,omitempty"`
	ToolCallID string            `gorm:"size:128" json:"tool_call_id,omitempty"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
}

// TableName overrides the gorm default.
func (Message) TableName() string { return "messages" }

// Turn is one role-tagged unit of conversation exchanged with the model.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// SendMessageRequest is an inbound customer message.
type SendMessageRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Content string `json:"content"`
}

// SendMessageResponse is the outcome of one agent cycle.
type SendMessageResponse struct {
	TicketID string       `json:"ticket_id"`
	Reply    string       `json:"reply"`
	Replies  []string     `json:"replies,omitempty"`
	Status   TicketStatus `json:"status"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence int       `json:"last_sequence"`
}
