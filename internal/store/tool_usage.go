package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/support-desk/internal/model"
)

// RecordToolUsage persists an audit record. Id and timestamp are kept when the
// caller already set them.
func (s *Store) RecordToolUsage(ctx context.Context, rec *model.ToolUsageRecord) error {
	if rec.TicketID == "" {
		return fmt.Errorf("store: record tool usage: ticket id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		return s.touch(tx, rec.TicketID, s.now())
	})
	if err != nil {
		return fmt.Errorf("store: record %s usage for %s: %w", rec.ToolName, rec.TicketID, err)
	}
	return nil
}

// ListToolUsage returns a ticket's audit records in invocation order.
func (s *Store) ListToolUsage(ctx context.Context, ticketID string) ([]model.ToolUsageRecord, error) {
	var recs []model.ToolUsageRecord
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list tool usage for %s: %w", ticketID, err)
	}
	return recs, nil
}
