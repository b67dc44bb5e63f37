// Package service provides business logic for the support desk.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// ErrTicketNotFound is returned when a ticket does not exist.
var ErrTicketNotFound = errors.New("ticket not found")

// TicketStore is the read side of the conversation store.
type TicketStore interface {
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	ListTickets(ctx context.Context, limit int) ([]model.Ticket, error)
	ListTicketsByStatus(ctx context.Context, status model.TicketStatus, limit int) ([]model.Ticket, error)
	ListMessages(ctx context.Context, ticketID string, afterSequence, limit int) ([]model.Message, error)
	ListToolUsage(ctx context.Context, ticketID string) ([]model.ToolUsageRecord, error)
	Summarize(ctx context.Context, ticketID string) (*model.ConversationSummary, error)
	SearchByContent(ctx context.Context, query string, limit int) ([]model.SearchResult, error)
}

// TicketService handles ticket queries.
type TicketService struct {
	store  TicketStore
	logger *logger.Logger
}

// NewTicketService creates a new ticket service.
func NewTicketService(s TicketStore, log *logger.Logger) *TicketService {
	if log == nil {
		log = logger.Global()
	}
	return &TicketService{store: s, logger: log}
}

// List returns tickets ordered by recent activity, optionally filtered by
// status.
func (s *TicketService) List(ctx context.Context, status model.TicketStatus, limit int) (*model.ListTicketsResponse, error) {
	limit = clampLimit(limit)

	var (
		tickets []model.Ticket
		err     error
	)
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status %q", status)
		}
		tickets, err = s.store.ListTicketsByStatus(ctx, status, limit)
	} else {
		tickets, err = s.store.ListTickets(ctx, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	if tickets == nil {
		tickets = []model.Ticket{}
	}
	return &model.ListTicketsResponse{Tickets: tickets, Total: len(tickets)}, nil
}

// Get retrieves a ticket by ID.
func (s *TicketService) Get(ctx context.Context, ticketID string) (*model.Ticket, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

// Messages returns a page of the ticket's conversation log after
// afterSequence.
func (s *TicketService) Messages(ctx context.Context, ticketID string, afterSequence, limit int) (*model.ListMessagesResponse, error) {
	if _, err := s.Get(ctx, ticketID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	// One extra row tells us whether another page exists.
	msgs, err := s.store.ListMessages(ctx, ticketID, afterSequence, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	last := afterSequence
	if n := len(msgs); n > 0 {
		last = msgs[n-1].Sequence
	}
	return &model.ListMessagesResponse{
		Messages:     msgs,
		HasMore:      hasMore,
		LastSequence: last,
	}, nil
}

// ToolUsage returns the audit trail of a ticket.
func (s *TicketService) ToolUsage(ctx context.Context, ticketID string) ([]model.ToolUsageRecord, error) {
	if _, err := s.Get(ctx, ticketID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListToolUsage(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tool usage: %w", err)
	}
	if recs == nil {
		recs = []model.ToolUsageRecord{}
	}
	return recs, nil
}

// Summary aggregates message and tool counts for a ticket.
func (s *TicketService) Summary(ctx context.Context, ticketID string) (*model.ConversationSummary, error) {
	sum, err := s.store.Summarize(ctx, ticketID)
	if err != nil {
		return nil, notFound(err)
	}
	return sum, nil
}

// Search finds conversations mentioning query.
func (s *TicketService) Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	if query == "" {
		return nil, errors.New("query is required")
	}
	res, err := s.store.SearchByContent(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if res == nil {
		res = []model.SearchResult{}
	}
	return res, nil
}

func notFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrTicketNotFound
	}
	return err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
