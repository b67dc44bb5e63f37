package model

import (
	"time"

	"gorm.io/datatypes"
)

// ToolUsageRecord is the audit entry for one dispatched tool call.
type ToolUsageRecord struct {
	ID              string            `gorm:"primaryKey;size:36" json:"id"`
	TicketID        string            `gorm:"size:64;not null;index" json:"ticket_id"`
	MessageID       *string           `gorm:"size:36;index" json:"message_id,omitempty"`
	ToolName        string            `gorm:"size:64;not null;index" json:"tool_name"`
	Args            datatypes.JSONMap `json:"args"`
	Result          datatypes.JSON    `json:"result"`
	IsError         bool              `gorm:"not null;default:false" json:"is_error"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	CreatedAt       time.Time         `gorm:"index" json:"created_at"`
}

// TableName overrides the gorm default.
func (ToolUsageRecord) TableName() string { return "tool_usage" }
