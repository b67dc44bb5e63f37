package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/internal/tools"
	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/metrics"
)

// ErrTicketEscalated is returned when a message targets a ticket that a
// human has taken over.
var ErrTicketEscalated = errors.New("ticket is escalated to a human")

// ErrEmptyMessage is returned for a message without content.
var ErrEmptyMessage = errors.New("message content is required")

// Router hands customer messages to the ticket's agent.
type Router interface {
	Route(ctx context.Context, ticketID, name, email, text string) (string, error)
	Remove(ticketID string) bool
}

// MessageStore is what MessageService reads around a routed message.
type MessageStore interface {
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	LastSequence(ctx context.Context, ticketID string) (int, error)
	ListMessages(ctx context.Context, ticketID string, afterSequence, limit int) ([]model.Message, error)
}

// MessageService handles inbound customer messages.
type MessageService struct {
	router Router
	store  MessageStore
	events tools.EventPublisher
	logger *logger.Logger
	now    func() time.Time
}

// NewMessageService creates a new message service. events may be nil.
func NewMessageService(router Router, s MessageStore, events tools.EventPublisher, log *logger.Logger) *MessageService {
	if log == nil {
		log = logger.Global()
	}
	return &MessageService{
		router: router,
		store:  s,
		events: events,
		logger: log,
		now:    time.Now,
	}
}

// Send routes a customer message through the ticket's agent and reports the
// direct reply, the reply bodies delivered during the cycle and the
// resulting ticket status.
func (s *MessageService) Send(ctx context.Context, ticketID string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	if req == nil || strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}

	existing, err := s.store.GetTicket(ctx, ticketID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	case existing.Status == model.StatusEscalated:
		return nil, ErrTicketEscalated
	}

	before, err := s.store.LastSequence(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to read message log: %w", err)
	}

	log := s.logger.WithTicket(ticketID)
	reply, err := s.router.Route(ctx, ticketID, req.Name, req.Email, req.Content)
	if err != nil {
		log.Error("agent cycle failed", zap.Error(err))
		s.publish(ctx, &model.TicketEvent{
			TicketID: ticketID,
			Type:     model.EventTypeAgentError,
			Reason:   err.Error(),
		})
		return nil, err
	}

	// A ticket opened by a chat front end exists before its first message.
	if existing == nil || before == 0 {
		s.publish(ctx, &model.TicketEvent{
			TicketID: ticketID,
			Type:     model.EventTypeCreated,
			Status:   model.StatusOpen,
		})
	}

	resp := &model.SendMessageResponse{TicketID: ticketID, Reply: reply}
	msgs, err := s.store.ListMessages(ctx, ticketID, before, 0)
	if err != nil {
		log.Warn("failed to collect delivered replies", zap.Error(err))
	} else {
		resp.Replies = deliveredReplies(msgs)
	}

	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	resp.Status = t.Status

	log.Debug("message processed",
		zap.String("status", string(resp.Status)),
		zap.Int("replies", len(resp.Replies)),
	)
	return resp, nil
}

// Evict drops the ticket's in-memory agent.
func (s *MessageService) Evict(ticketID string) bool {
	return s.router.Remove(ticketID)
}

func (s *MessageService) publish(ctx context.Context, event *model.TicketEvent) {
	if s.events == nil {
		return
	}
	event.ID = uuid.Must(uuid.NewV7()).String()
	event.CreatedAt = s.now()
	if _, err := s.events.PublishEvent(ctx, event); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "failure").Inc()
		s.logger.Warn("failed to publish ticket event",
			zap.String("ticket_id", event.TicketID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "success").Inc()
}

// deliveredReplies returns the bodies of reply calls in msgs whose tool
// result reports a delivery.
func deliveredReplies(msgs []model.Message) []string {
	delivered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role != model.RoleTool || m.ToolCallID == "" {
			continue
		}
		var res struct {
			Delivered bool `json:"delivered"`
		}
		if json.Unmarshal([]byte(m.Content), &res) == nil && res.Delivered {
			delivered[m.ToolCallID] = true
		}
	}

	var bodies []string
	for _, m := range msgs {
		if m.Role != model.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Name != string(tools.Reply) || !delivered[tc.ID] {
				continue
			}
			var args tools.ReplyArgs
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err == nil && args.Body != "" {
				bodies = append(bodies, args.Body)
			}
		}
	}
	return bodies
}
