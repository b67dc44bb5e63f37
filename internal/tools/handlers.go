package tools

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/model"
)

const (
	fallbackEscalation = "Issue escalated to human support."
)

type handler struct {
	run func(d *Dispatcher, ctx context.Context, inv Invocation) (any, error)
	// syncAudit writes the audit record before Dispatch returns.
	syncAudit bool
	// softFail, when set, replaces a failed result shown to the model.
	softFail func() any
}

var handlers = map[Name]handler{
	LookupKnowledgebase: {
		run:      (*Dispatcher).lookup,
		softFail: func() any { return []KnowledgeResult{} },
	},
	Note:         {run: (*Dispatcher).note},
	Reply:        {run: (*Dispatcher).reply, syncAudit: true},
	Escalate:     {run: (*Dispatcher).escalate, syncAudit: true},
	Close:        {run: (*Dispatcher).close},
	Python:       {run: (*Dispatcher).python},
	WaitForReply: {run: (*Dispatcher).waitForReply},
}

func (d *Dispatcher) lookup(ctx context.Context, inv Invocation) (any, error) {
	args, err := decodeArgs[LookupArgs](inv.Call.Arguments)
	if err != nil {
		return nil, err
	}
	if d.searcher == nil {
		return nil, errors.New("knowledge base is not configured")
	}
	hits, err := d.searcher.Search(ctx, args.Query, d.searchLimit)
	if err != nil {
		return nil, fmt.Errorf("knowledge base search: %w", err)
	}
	results := make([]KnowledgeResult, 0, len(hits))
	for i, h := range hits {
		results = append(results, KnowledgeResult{
			Rank:      i + 1,
			FilePath:  h.FilePath,
			Section:   h.Section,
			Reference: fmt.Sprintf("%s#section-%d", h.FilePath, h.Section),
			Text:      h.Text,
		})
	}
	return results, nil
}

func (d *Dispatcher) note(_ context.Context, inv Invocation) (any, error) {
	if _, err := decodeArgs[NoteArgs](inv.Call.Arguments); err != nil {
		return nil, err
	}
	return map[string]bool{"noted": true}, nil
}

// reply delivers first and only then records the new status, so a failed
// delivery leaves the ticket state untouched.
func (d *Dispatcher) reply(ctx context.Context, inv Invocation) (any, error) {
	args, err := decodeArgs[ReplyArgs](inv.Call.Arguments)
	if err != nil {
		return nil, err
	}
	if err := d.flush(ctx, inv.TicketID); err != nil {
		return nil, err
	}

	delivery, err := d.deliver(ctx, args, inv.TicketID)
	if err != nil {
		return nil, fmt.Errorf("reply delivery failed: %w", err)
	}
	if err := d.setStatus(ctx, inv.TicketID, args.State, nil); err != nil {
		return nil, &writeError{err: err}
	}
	d.publish(ctx, &model.TicketEvent{
		TicketID: inv.TicketID,
		Type:     model.EventTypeReply,
		Status:   args.State,
		Metadata: map[string]any{"body": args.Body},
	})

	return map[string]any{
		"delivered": true,
		"state":     args.State,
		"result":    delivery,
	}, nil
}

func (d *Dispatcher) deliver(ctx context.Context, args ReplyArgs, ticketID string) (string, error) {
	if d.deliverer != nil {
		res, err := d.deliverer.Deliver(ctx, args.Body, args.State, ticketID)
		if !errors.Is(err, ErrNoRoute) {
			return res, err
		}
	}
	d.log.Info("reply recorded without delivery channel",
		zap.String("ticket_id", ticketID),
		zap.String("state", string(args.State)),
		zap.String("body", args.Body),
	)
	return args.Body, nil
}

// escalate records the status first; a failed notification is reported in
// the result but does not undo the escalation.
func (d *Dispatcher) escalate(ctx context.Context, inv Invocation) (any, error) {
	args, err := decodeArgs[EscalateArgs](inv.Call.Arguments)
	if err != nil {
		return nil, err
	}
	if err := d.flush(ctx, inv.TicketID); err != nil {
		return nil, err
	}

	reason := args.IssueSummary
	if err := d.setStatus(ctx, inv.TicketID, model.StatusEscalated, &reason); err != nil {
		return nil, &writeError{err: err}
	}
	d.publish(ctx, &model.TicketEvent{
		TicketID: inv.TicketID,
		Type:     model.EventTypeEscalated,
		Status:   model.StatusEscalated,
		Reason:   reason,
	})

	result := map[string]any{"escalated": true}
	notice, err := d.notify(ctx, reason, inv.TicketID)
	if err != nil {
		d.log.Error("escalation notification failed", zap.String("ticket_id", inv.TicketID), zap.Error(err))
		result["notified"] = false
		result["notification_error"] = err.Error()
		return result, nil
	}
	result["notified"] = true
	result["result"] = notice
	return result, nil
}

func (d *Dispatcher) notify(ctx context.Context, summary, ticketID string) (string, error) {
	if d.notifier != nil {
		res, err := d.notifier.Notify(ctx, summary, ticketID)
		if !errors.Is(err, ErrNoRoute) {
			return res, err
		}
	}
	d.log.Warn("ticket escalated without notification channel",
		zap.String("ticket_id", ticketID),
		zap.String("issue_summary", summary),
	)
	return fallbackEscalation, nil
}

// close hands the status change to the background queue; the result is
// returned before it is applied.
func (d *Dispatcher) close(ctx context.Context, inv Invocation) (any, error) {
	args, err := decodeArgs[CloseArgs](inv.Call.Arguments)
	if err != nil {
		return nil, err
	}

	ticketID := inv.TicketID
	apply := func(ctx context.Context) error {
		return d.setStatus(ctx, ticketID, model.StatusClosed, nil)
	}
	if d.queue == nil || d.queue.Submit(ctx, ticketID, "close:status", apply) != nil {
		if err := apply(ctx); err != nil {
			return nil, &writeError{err: err}
		}
	}
	return fmt.Sprintf("Ticket closed: %s", args.Reason), nil
}

func (d *Dispatcher) python(_ context.Context, inv Invocation) (any, error) {
	if _, err := decodeArgs[PythonArgs](inv.Call.Arguments); err != nil {
		return nil, err
	}
	return nil, ErrPythonDisabled
}

func (d *Dispatcher) waitForReply(_ context.Context, inv Invocation) (any, error) {
	args, err := decodeArgs[WaitArgs](inv.Call.Arguments)
	if err != nil {
		return nil, err
	}
	return map[string]any{"waiting": true, "note": args.Note}, nil
}
