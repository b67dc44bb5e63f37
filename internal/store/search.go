package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/capitalize-ai/support-desk/internal/model"
)

const snippetLength = 200

// SearchByContent finds messages whose content, or whose ticket summary,
// contains query. Newest matches come first.
func (s *Store) SearchByContent(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + escapeLike(query) + "%"

	var rows []struct {
		MessageID     string
		TicketID      string
		Role          model.Role
		Content       string
		CreatedAt     time.Time
		CustomerName  string
		CustomerEmail string
		Status        model.TicketStatus
	}
	err := s.db.WithContext(ctx).
		Table("messages AS m").
		Select("m.id AS message_id, m.ticket_id, m.role, m.content, m.created_at, t.customer_name, t.customer_email, t.status").
		Joins("JOIN tickets t ON t.id = m.ticket_id").
		Where("m.content LIKE ? ESCAPE '!' OR t.summary LIKE ? ESCAPE '!'", pattern, pattern).
		Order("m.created_at DESC").
		Order("m.id DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: search %q: %w", query, err)
	}

	results := make([]model.SearchResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, model.SearchResult{
			TicketID:      r.TicketID,
			CustomerName:  r.CustomerName,
			CustomerEmail: r.CustomerEmail,
			Status:        r.Status,
			MessageID:     r.MessageID,
			Role:          r.Role,
			Snippet:       snippet(r.Content),
			CreatedAt:     r.CreatedAt,
		})
	}
	return results, nil
}

// Summarize aggregates message and tool counts for a ticket.
func (s *Store) Summarize(ctx context.Context, ticketID string) (*model.ConversationSummary, error) {
	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var roleRows []struct {
		Role  model.Role
		Count int
	}
	if err := db.Model(&model.Message{}).
		Select("role, COUNT(*) AS count").
		Where("ticket_id = ?", ticketID).
		Group("role").
		Scan(&roleRows).Error; err != nil {
		return nil, fmt.Errorf("store: summarize messages for %s: %w", ticketID, err)
	}

	var toolRows []struct {
		ToolName string
		Count    int
	}
	if err := db.Model(&model.ToolUsageRecord{}).
		Select("tool_name, COUNT(*) AS count").
		Where("ticket_id = ?", ticketID).
		Group("tool_name").
		Scan(&toolRows).Error; err != nil {
		return nil, fmt.Errorf("store: summarize tools for %s: %w", ticketID, err)
	}

	summary := &model.ConversationSummary{
		Ticket:        *ticket,
		MessageCounts: make(map[model.Role]int, len(roleRows)),
		ToolCounts:    make(map[string]int, len(toolRows)),
	}
	for _, r := range roleRows {
		summary.MessageCounts[r.Role] = r.Count
		summary.TotalMessages += r.Count
	}
	for _, r := range toolRows {
		summary.ToolCounts[r.ToolName] = r.Count
	}

	if summary.TotalMessages > 0 {
		var first, last model.Message
		if err := db.Where("ticket_id = ?", ticketID).Order("sequence ASC").First(&first).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: first message for %s: %w", ticketID, err)
		}
		if err := db.Where("ticket_id = ?", ticketID).Order("sequence DESC").First(&last).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: last message for %s: %w", ticketID, err)
		}
		summary.FirstMessageAt = &first.CreatedAt
		summary.LastMessageAt = &last.CreatedAt
	}

	return summary, nil
}

// escapeLike escapes LIKE wildcards using '!' as the escape character.
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

func snippet(content string) string {
	r := []rune(content)
	if len(r) <= snippetLength {
		return content
	}
	return string(r[:snippetLength]) + "..."
}
