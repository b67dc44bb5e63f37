// Package agent drives per-ticket conversations between a customer, the model
// and the support tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/tools"
	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/metrics"
	"github.com/capitalize-ai/support-desk/pkg/tracing"
)

// DefaultMaxRounds bounds the model calls made for one inbound message.
const DefaultMaxRounds = 32

// ErrMaxRounds is returned when the model keeps calling tools without
// replying.
var ErrMaxRounds = errors.New("agent: round limit reached without a reply")

// Store is the conversation persistence an agent needs.
type Store interface {
	AppendMessage(ctx context.Context, msg *model.Message) error
	ReconstructTurns(ctx context.Context, ticketID string) ([]model.Turn, error)
}

// Dispatcher executes tool calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv tools.Invocation) (tools.Outcome, error)
	Schemas() []llm.ToolSchema
}

// Options holds parameters for creating an Agent.
type Options struct {
	TicketID     string
	Store        Store
	Model        llm.Client
	Dispatcher   Dispatcher
	SystemPrompt string
	ModelName    string
	MaxRounds    int
	MaxTokens    int
	Logger       *logger.Logger
}

// Agent holds the in-memory turn history of one ticket. It is not safe for
// concurrent use; Registry.Route serializes calls per ticket.
type Agent struct {
	ticketID     string
	store        Store
	model        llm.Client
	dispatcher   Dispatcher
	systemPrompt string
	modelName    string
	maxRounds    int
	maxTokens    int
	log          *logger.Logger
	tracer       trace.Tracer

	turns    []model.Turn
	hydrated bool
	customer *model.Customer
	// currentTurnID is the assistant message whose tool calls are running.
	currentTurnID string
}

// New creates an Agent.
func New(opts Options) *Agent {
	rounds := opts.MaxRounds
	if rounds <= 0 {
		rounds = DefaultMaxRounds
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Agent{
		ticketID:     opts.TicketID,
		store:        opts.Store,
		model:        opts.Model,
		dispatcher:   opts.Dispatcher,
		systemPrompt: opts.SystemPrompt,
		modelName:    opts.ModelName,
		maxRounds:    rounds,
		maxTokens:    opts.MaxTokens,
		log:          log.WithTicket(opts.TicketID),
		tracer:       tracing.Tracer("github.com/capitalize-ai/support-desk/internal/agent"),
	}
}

// TicketID returns the ticket the agent serves.
func (a *Agent) TicketID() string { return a.ticketID }

// SetCustomer records the customer identity. Only the first call has an
// effect; it reports whether the identity was set.
func (a *Agent) SetCustomer(name, email string) bool {
	if a.customer != nil {
		return false
	}
	a.customer = &model.Customer{Name: name, Email: email}
	return true
}

// HasCustomer reports whether the customer identity is known.
func (a *Agent) HasCustomer() bool { return a.customer != nil }

// Turns returns a copy of the in-memory history.
func (a *Agent) Turns() []model.Turn {
	out := make([]model.Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// ProcessMessage handles one inbound customer message and returns the
// assistant's direct text, which is empty when the answer went out through
// the reply tool.
func (a *Agent) ProcessMessage(ctx context.Context, text string) (string, error) {
	ctx, span := a.tracer.Start(ctx, "agent.process_message", trace.WithAttributes(
		attribute.String("ticket_id", a.ticketID),
	))
	defer span.End()

	reply, outcome, err := a.run(ctx, span, text)
	metrics.AgentCyclesTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		a.log.Error("agent cycle failed", zap.String("outcome", outcome), zap.Error(err))
		return "", err
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	return reply, nil
}

func (a *Agent) run(ctx context.Context, span trace.Span, text string) (string, string, error) {
	if !a.hydrated {
		a.hydrate(ctx)
	}

	user := &model.Message{
		TicketID: a.ticketID,
		Role:     model.RoleUser,
		Content:  a.formatUserTurn(text),
		Metadata: map[string]interface{}{
			model.MetaOriginalContent: text,
			model.MetaCustomerInfo:    a.customerInfo(),
		},
	}
	if err := a.persist(ctx, user); err != nil {
		return "", "store_error", err
	}
	a.turns = append(a.turns, model.Turn{Role: model.RoleUser, Content: user.Content})

	for round := 1; round <= a.maxRounds; round++ {
		metrics.AgentRoundsTotal.Inc()
		span.SetAttributes(attribute.Int("rounds", round))

		resp, err := a.complete(ctx)
		if err != nil {
			return "", "model_error", fmt.Errorf("agent: model completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				if err := a.appendAssistant(ctx, resp.Content, model.MetaDirectResponse); err != nil {
					return "", "store_error", err
				}
			}
			return resp.Content, "direct", nil
		}

		replied, err := a.dispatchRound(ctx, resp)
		if err != nil {
			return "", "store_error", err
		}
		if replied {
			if resp.Content != "" {
				if err := a.appendAssistant(ctx, resp.Content, model.MetaFinalResponse); err != nil {
					return "", "store_error", err
				}
			}
			return resp.Content, "reply", nil
		}
	}
	return "", "max_rounds", ErrMaxRounds
}

func (a *Agent) complete(ctx context.Context) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := a.model.Complete(ctx, &llm.CompletionRequest{
		Model:     a.modelName,
		Messages:  a.turns,
		Tools:     a.dispatcher.Schemas(),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		metrics.RecordLLMCompletion(a.modelName, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}
	metrics.RecordLLMCompletion(resp.Model, "success", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	return resp, nil
}

// dispatchRound persists the tool-call turn, then runs every call in model
// order. It reports whether the round contained a reply.
func (a *Agent) dispatchRound(ctx context.Context, resp *llm.CompletionResponse) (bool, error) {
	call := &model.Message{
		TicketID:  a.ticketID,
		Role:      model.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}
	if err := a.persist(ctx, call); err != nil {
		return false, err
	}
	a.currentTurnID = call.ID
	a.turns = append(a.turns, model.Turn{
		Role:      model.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	replied := false
	for _, tc := range resp.ToolCalls {
		out, err := a.dispatcher.Dispatch(ctx, tools.Invocation{
			TicketID:  a.ticketID,
			MessageID: a.currentTurnID,
			Call:      tc,
		})
		if err != nil {
			a.reset()
			return false, fmt.Errorf("agent: dispatch %s: %w", tc.Name, err)
		}

		result := &model.Message{
			TicketID:   a.ticketID,
			Role:       model.RoleTool,
			Content:    out.Content,
			ToolCallID: tc.ID,
			Metadata: map[string]interface{}{
				model.MetaToolName: tc.Name,
				model.MetaToolArgs: tools.ParseArgs(tc.Arguments),
			},
		}
		if err := a.persist(ctx, result); err != nil {
			return false, err
		}
		a.turns = append(a.turns, model.Turn{
			Role:       model.RoleTool,
			Content:    out.Content,
			ToolCallID: tc.ID,
			Name:       tc.Name,
		})
		if out.Terminal {
			replied = true
		}
	}
	return replied, nil
}

func (a *Agent) appendAssistant(ctx context.Context, content, marker string) error {
	msg := &model.Message{
		TicketID: a.ticketID,
		Role:     model.RoleAssistant,
		Content:  content,
		Metadata: map[string]interface{}{marker: true},
	}
	if err := a.persist(ctx, msg); err != nil {
		return err
	}
	a.turns = append(a.turns, model.Turn{Role: model.RoleAssistant, Content: content})
	return nil
}

// persist appends msg to the store. A failed write leaves memory out of step
// with the log, so the next cycle re-hydrates.
func (a *Agent) persist(ctx context.Context, msg *model.Message) error {
	if err := a.store.AppendMessage(ctx, msg); err != nil {
		a.reset()
		return fmt.Errorf("agent: persist %s message: %w", msg.Role, err)
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Role)).Inc()
	return nil
}

func (a *Agent) hydrate(ctx context.Context) {
	a.turns = []model.Turn{{Role: model.RoleSystem, Content: a.systemPrompt}}
	a.hydrated = true

	stored, err := a.store.ReconstructTurns(ctx, a.ticketID)
	if err != nil {
		a.log.Warn("failed to load conversation history", zap.Error(err))
		return
	}
	a.turns = append(a.turns, stored...)
	if len(stored) > 0 {
		a.log.Info("restored conversation history", zap.Int("turns", len(stored)))
	}
}

func (a *Agent) reset() {
	a.hydrated = false
	a.turns = nil
	a.currentTurnID = ""
}

func (a *Agent) formatUserTurn(text string) string {
	if a.customer == nil {
		return text
	}
	return fmt.Sprintf("Customer: %s (%s)\nMessage: %s", a.customer.Name, a.customer.Email, text)
}

func (a *Agent) customerInfo() interface{} {
	if a.customer == nil {
		return nil
	}
	return map[string]interface{}{"name": a.customer.Name, "email": a.customer.Email}
}
