package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/capitalize-ai/support-desk/internal/model"
)

// CreateTicket inserts a new ticket. It returns ErrDuplicateTicket if the id
// already exists.
func (s *Store) CreateTicket(ctx context.Context, t *model.Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("store: create ticket: id is required")
	}
	if t.Status == "" {
		t.Status = model.StatusOpen
	}
	if !t.Status.Valid() {
		return fmt.Errorf("store: create ticket: invalid status %q", t.Status)
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Ticket{}).Where("id = ?", t.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateTicket
		}
		return tx.Create(t).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateTicket), errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateTicket
	default:
		return fmt.Errorf("store: create ticket %s: %w", t.ID, err)
	}
}

// GetTicket returns the ticket with the given id.
func (s *Store) GetTicket(ctx context.Context, id string) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get ticket %s: %w", id, err)
	}
	return &t, nil
}

// GetTicketByExternalThreadRef returns the ticket mapped to a chat thread.
func (s *Store) GetTicketByExternalThreadRef(ctx context.Context, ref string) (*model.Ticket, error) {
	var t model.Ticket
	if err := s.db.WithContext(ctx).Where("external_thread_ref = ?", ref).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get ticket by thread %s: %w", ref, err)
	}
	return &t, nil
}

// SetExternalThreadRef links a ticket to a chat thread.
func (s *Store) SetExternalThreadRef(ctx context.Context, id, ref string) error {
	return s.updateTicket(ctx, id, map[string]interface{}{"external_thread_ref": ref})
}

// UpdateTicketSummary sets the ticket's short summary.
func (s *Store) UpdateTicketSummary(ctx context.Context, id, summary string) error {
	return s.updateTicket(ctx, id, map[string]interface{}{"summary": summary})
}

// UpdateTicketStatus moves a ticket to status. The escalation reason is
// overwritten only when reason is non-nil.
func (s *Store) UpdateTicketStatus(ctx context.Context, id string, status model.TicketStatus, reason *string) error {
	if !status.Valid() {
		return fmt.Errorf("store: invalid status %q", status)
	}
	fields := map[string]interface{}{"status": status}
	if reason != nil {
		fields["escalation_reason"] = *reason
	}
	return s.updateTicket(ctx, id, fields)
}

func (s *Store) updateTicket(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&model.Ticket{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("store: update ticket %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTicketsByStatus returns tickets in status, most recently active first.
func (s *Store) ListTicketsByStatus(ctx context.Context, status model.TicketStatus, limit int) ([]model.Ticket, error) {
	return s.listTickets(ctx, s.db.WithContext(ctx).Where("status = ?", status), limit)
}

// ListTickets returns all tickets, most recently active first.
func (s *Store) ListTickets(ctx context.Context, limit int) ([]model.Ticket, error) {
	return s.listTickets(ctx, s.db.WithContext(ctx), limit)
}

func (s *Store) listTickets(ctx context.Context, q *gorm.DB, limit int) ([]model.Ticket, error) {
	q = q.Order("updated_at DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var tickets []model.Ticket
	if err := q.Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	return tickets, nil
}
