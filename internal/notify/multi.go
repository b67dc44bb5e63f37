package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/tools"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

// Multi fans an escalation out to several notifiers. It succeeds when any
// notifier succeeds and returns tools.ErrNoRoute when none had a route.
type Multi struct {
	notifiers []tools.EscalationNotifier
	log       *logger.Logger
}

// NewMulti creates a Multi. Nil notifiers are skipped.
func NewMulti(log *logger.Logger, notifiers ...tools.EscalationNotifier) *Multi {
	if log == nil {
		log = logger.Global()
	}
	m := &Multi{log: log}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of configured notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify calls every notifier in order.
func (m *Multi) Notify(ctx context.Context, summary, ticketID string) (string, error) {
	var results []string
	var errs []error
	for _, n := range m.notifiers {
		res, err := n.Notify(ctx, summary, ticketID)
		switch {
		case errors.Is(err, tools.ErrNoRoute):
		case err != nil:
			m.log.Warn("escalation notifier failed", zap.String("ticket_id", ticketID), zap.Error(err))
			errs = append(errs, err)
		default:
			results = append(results, res)
		}
	}
	switch {
	case len(results) > 0:
		return strings.Join(results, "; "), nil
	case len(errs) > 0:
		return "", errors.Join(errs...)
	default:
		return "", tools.ErrNoRoute
	}
}
