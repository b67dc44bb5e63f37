package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/background"
	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/metrics"
	"github.com/capitalize-ai/support-desk/pkg/tracing"
)

const defaultSearchLimit = 10

// ErrNoRoute is returned by a deliverer or notifier that has no channel for a
// ticket. The dispatcher then uses its local fallback.
var ErrNoRoute = errors.New("tools: no delivery route for ticket")

// Store is the persistence the dispatcher writes to.
type Store interface {
	UpdateTicketStatus(ctx context.Context, id string, status model.TicketStatus, reason *string) error
	RecordToolUsage(ctx context.Context, rec *model.ToolUsageRecord) error
}

// Searcher queries the knowledge base.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]model.DocHit, error)
}

// ReplyDeliverer sends a reply to the customer.
type ReplyDeliverer interface {
	Deliver(ctx context.Context, body string, state model.TicketStatus, ticketID string) (string, error)
}

// EscalationNotifier alerts humans about an escalated ticket.
type EscalationNotifier interface {
	Notify(ctx context.Context, issueSummary, ticketID string) (string, error)
}

// EventPublisher publishes ticket events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.TicketEvent) (uint64, error)
}

// TaskQueue runs deferred writes keyed by ticket id.
type TaskQueue interface {
	Submit(ctx context.Context, key, name string, task background.Task) error
	Flush(ctx context.Context, key string) error
}

// Invocation is one tool call issued by the model for a ticket.
type Invocation struct {
	TicketID  string
	MessageID string // assistant turn that issued the call
	Call      model.ToolCall
}

// Outcome is the tool-result turn content for an invocation.
type Outcome struct {
	Content  string
	IsError  bool
	Terminal bool
}

// Options holds parameters for creating a Dispatcher.
type Options struct {
	Store       Store // required
	Searcher    Searcher
	Deliverer   ReplyDeliverer
	Notifier    EscalationNotifier
	Events      EventPublisher
	Queue       TaskQueue // nil writes everything synchronously
	SearchLimit int
	Logger      *logger.Logger
}

// Dispatcher executes tool calls.
type Dispatcher struct {
	store       Store
	searcher    Searcher
	deliverer   ReplyDeliverer
	notifier    EscalationNotifier
	events      EventPublisher
	queue       TaskQueue
	searchLimit int
	log         *logger.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("tools: store is required")
	}
	limit := opts.SearchLimit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Dispatcher{
		store:       opts.Store,
		searcher:    opts.Searcher,
		deliverer:   opts.Deliverer,
		notifier:    opts.Notifier,
		events:      opts.Events,
		queue:       opts.Queue,
		searchLimit: limit,
		log:         log,
		tracer:      tracing.Tracer("github.com/capitalize-ai/support-desk/internal/tools"),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Schemas returns the tool schemas offered to the model.
func (d *Dispatcher) Schemas() []llm.ToolSchema {
	return Schemas()
}

// writeError marks a store write failure that must fail the agent cycle.
type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// Dispatch runs one tool call and records exactly one audit entry for it.
// Tool failures are returned as error outcomes; the error return is reserved
// for store writes that could not be completed.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "tools.dispatch", trace.WithAttributes(
		attribute.String("tool", inv.Call.Name),
		attribute.String("ticket_id", inv.TicketID),
	))
	defer span.End()

	start := d.now()
	rec := &model.ToolUsageRecord{
		ID:        uuid.Must(uuid.NewV7()).String(),
		TicketID:  inv.TicketID,
		ToolName:  inv.Call.Name,
		Args:      ParseArgs(inv.Call.Arguments),
		CreatedAt: start,
	}
	if inv.MessageID != "" {
		id := inv.MessageID
		rec.MessageID = &id
	}

	name := Name(inv.Call.Name)
	h, known := handlers[name]

	var value any
	var runErr error
	if known {
		value, runErr = h.run(d, ctx, inv)
	} else {
		runErr = fmt.Errorf("unknown tool %q", inv.Call.Name)
	}
	rec.ExecutionTimeMs = time.Since(start).Milliseconds()

	var werr *writeError
	if errors.As(runErr, &werr) {
		rec.IsError = true
		rec.Result = mustJSON(errorValue(werr))
		if err := d.store.RecordToolUsage(ctx, rec); err != nil {
			d.log.Error("failed to record tool usage after write failure",
				zap.String("ticket_id", inv.TicketID),
				zap.String("tool", inv.Call.Name),
				zap.Error(err),
			)
		}
		metrics.RecordToolCall(inv.Call.Name, "fatal", time.Since(start).Seconds())
		span.RecordError(werr.err)
		span.SetStatus(codes.Error, "store write failed")
		return Outcome{}, fmt.Errorf("tools: %s: %w", inv.Call.Name, werr.err)
	}

	out := Outcome{Terminal: name == Reply}
	audited := value
	switch {
	case runErr != nil && known && h.softFail != nil:
		value = h.softFail()
		audited = errorValue(runErr)
		rec.IsError = true
	case runErr != nil:
		value = errorValue(runErr)
		audited = value
		out.IsError = true
		rec.IsError = true
	}
	if text, ok := value.(string); ok {
		out.Content = text
	} else {
		out.Content = string(mustJSON(value))
	}
	rec.Result = mustJSON(audited)

	if err := d.audit(ctx, rec, known && h.syncAudit); err != nil {
		metrics.RecordToolCall(inv.Call.Name, "fatal", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		return Outcome{}, fmt.Errorf("tools: %s: record usage: %w", inv.Call.Name, err)
	}

	outcome := "success"
	if rec.IsError {
		outcome = "error"
		d.log.Warn("tool call failed",
			zap.String("ticket_id", inv.TicketID),
			zap.String("tool", inv.Call.Name),
			zap.Error(runErr),
		)
	}
	metrics.RecordToolCall(inv.Call.Name, outcome, time.Since(start).Seconds())
	return out, nil
}

// audit writes rec now when sync is set or no queue is configured, otherwise
// on the background queue. A synchronous write first waits for the queue so
// audit rows are inserted in invocation order.
func (d *Dispatcher) audit(ctx context.Context, rec *model.ToolUsageRecord, sync bool) error {
	if sync {
		if err := d.flush(ctx, rec.TicketID); err != nil {
			return err
		}
	}
	if sync || d.queue == nil {
		return d.store.RecordToolUsage(ctx, rec)
	}
	err := d.queue.Submit(ctx, rec.TicketID, "audit:"+rec.ToolName, func(ctx context.Context) error {
		return d.store.RecordToolUsage(ctx, rec)
	})
	if err != nil {
		return d.store.RecordToolUsage(ctx, rec)
	}
	return nil
}

// flush waits for all deferred writes so a synchronous status change lands
// after every earlier one, and reports the failed writes of ticketID only.
func (d *Dispatcher) flush(ctx context.Context, ticketID string) error {
	if d.queue == nil {
		return nil
	}
	if err := d.queue.Flush(ctx, ticketID); err != nil {
		return &writeError{err: fmt.Errorf("deferred writes failed: %w", err)}
	}
	return nil
}

func (d *Dispatcher) setStatus(ctx context.Context, ticketID string, status model.TicketStatus, reason *string) error {
	if err := d.store.UpdateTicketStatus(ctx, ticketID, status, reason); err != nil {
		return err
	}
	metrics.TicketStatusChanges.WithLabelValues(string(status)).Inc()

	event := &model.TicketEvent{TicketID: ticketID, Type: model.EventTypeStatusChanged, Status: status}
	if reason != nil {
		event.Reason = *reason
	}
	d.publish(ctx, event)
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, event *model.TicketEvent) {
	if d.events == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = d.now()
	}
	if _, err := d.events.PublishEvent(ctx, event); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "failure").Inc()
		d.log.Warn("failed to publish ticket event",
			zap.String("ticket_id", event.TicketID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "success").Inc()
}

func errorValue(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(errorValue(fmt.Errorf("unencodable result: %w", err)))
	}
	return b
}
