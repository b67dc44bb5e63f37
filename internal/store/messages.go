package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/support-desk/internal/model"
)

// AppendMessage persists msg, filling in its id, sequence and timestamp, and
// refreshes the ticket's updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg.TicketID == "" {
		return fmt.Errorf("store: append message: ticket id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	msg.CreatedAt = s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, msg.TicketID)
		if err != nil {
			return err
		}
		msg.Sequence = seq
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return s.touch(tx, msg.TicketID, msg.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("store: append message to %s: %w", msg.TicketID, err)
	}
	return nil
}

// ListMessages returns the ticket's messages with sequence greater than
// afterSequence in log order. A non-positive limit returns all of them.
func (s *Store) ListMessages(ctx context.Context, ticketID string, afterSequence, limit int) ([]model.Message, error) {
	q := s.db.WithContext(ctx).
		Where("ticket_id = ? AND sequence > ?", ticketID, afterSequence).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var msgs []model.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: list messages for %s: %w", ticketID, err)
	}
	return msgs, nil
}

// nextSequence returns the next per-ticket message sequence number.
func nextSequence(tx *gorm.DB, ticketID string) (int, error) {
	var maxSeq int
	err := tx.Model(&model.Message{}).
		Where("ticket_id = ?", ticketID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return maxSeq + 1, nil
}

// LastSequence returns the highest message sequence of the ticket, or 0 when
// it has no messages.
func (s *Store) LastSequence(ctx context.Context, ticketID string) (int, error) {
	seq, err := nextSequence(s.db.WithContext(ctx), ticketID)
	if err != nil {
		return 0, fmt.Errorf("store: last sequence for %s: %w", ticketID, err)
	}
	return seq - 1, nil
}
