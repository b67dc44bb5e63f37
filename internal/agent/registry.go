package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/metrics"
)

// TicketStore is the persistence the registry needs to resolve identity.
type TicketStore interface {
	Store
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	CreateTicket(ctx context.Context, t *model.Ticket) error
}

// RegistryOptions configures the agents a Registry creates.
type RegistryOptions struct {
	Store        TicketStore
	Model        llm.Client
	Dispatcher   Dispatcher
	SystemPrompt string
	ModelName    string
	MaxRounds    int
	MaxTokens    int
	Logger       *logger.Logger
}

type entry struct {
	// mu serializes Route calls for one ticket.
	mu       sync.Mutex
	agent    *Agent
	lastUsed time.Time
}

// Registry owns one Agent per ticket id.
type Registry struct {
	opts RegistryOptions
	log  *logger.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	opts.Logger = log
	return &Registry{
		opts:    opts,
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the agent for ticketID, creating it on first use.
func (r *Registry) GetOrCreate(ticketID string) *Agent {
	return r.entry(ticketID).agent
}

// Remove drops the in-memory agent for ticketID. Persisted state is kept.
func (r *Registry) Remove(ticketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[ticketID]; !ok {
		return false
	}
	delete(r.entries, ticketID)
	metrics.AgentsActive.Set(float64(len(r.entries)))
	return true
}

// Len returns the number of live agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Route delivers a customer message to the ticket's agent. Calls for the same
// ticket run one at a time. On the agent's first message the customer
// identity is resolved: a stored ticket's identity wins, otherwise the ticket
// is created with the given one.
func (r *Registry) Route(ctx context.Context, ticketID, name, email, text string) (string, error) {
	e := r.lock(ticketID)
	defer func() {
		e.lastUsed = r.now()
		e.mu.Unlock()
	}()

	if !e.agent.HasCustomer() {
		if err := r.resolveCustomer(ctx, e.agent, name, email); err != nil {
			return "", err
		}
	}
	return e.agent.ProcessMessage(ctx, text)
}

// EvictIdle drops agents that have not been used for ttl and are not
// processing a message. It returns the number evicted.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, e := range r.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			evicted++
		}
		e.mu.Unlock()
	}
	metrics.AgentsActive.Set(float64(len(r.entries)))
	return evicted
}

// ScheduleEviction runs EvictIdle on a cron schedule. The caller stops the
// returned cron.
func (r *Registry) ScheduleEviction(schedule string, ttl time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := r.EvictIdle(ttl); n > 0 {
			r.log.Info("evicted idle agents", zap.Int("count", n), zap.Int("remaining", r.Len()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("agent: invalid eviction schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

func (r *Registry) entry(ticketID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ticketID]; ok {
		return e
	}
	e := &entry{
		agent: New(Options{
			TicketID:     ticketID,
			Store:        r.opts.Store,
			Model:        r.opts.Model,
			Dispatcher:   r.opts.Dispatcher,
			SystemPrompt: r.opts.SystemPrompt,
			ModelName:    r.opts.ModelName,
			MaxRounds:    r.opts.MaxRounds,
			MaxTokens:    r.opts.MaxTokens,
			Logger:       r.opts.Logger,
		}),
		lastUsed: r.now(),
	}
	r.entries[ticketID] = e
	metrics.AgentsActive.Set(float64(len(r.entries)))
	return e
}

// lock returns the live entry for ticketID with its mutex held. An entry
// evicted while waiting for the lock is abandoned for the current one.
func (r *Registry) lock(ticketID string) *entry {
	for {
		e := r.entry(ticketID)
		e.mu.Lock()
		r.mu.Lock()
		live := r.entries[ticketID] == e
		r.mu.Unlock()
		if live {
			return e
		}
		e.mu.Unlock()
	}
}

func (r *Registry) resolveCustomer(ctx context.Context, a *Agent, name, email string) error {
	ticket, err := r.opts.Store.GetTicket(ctx, a.TicketID())
	switch {
	case err == nil:
		a.SetCustomer(ticket.CustomerName, ticket.CustomerEmail)
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("agent: load ticket %s: %w", a.TicketID(), err)
	}

	err = r.opts.Store.CreateTicket(ctx, &model.Ticket{
		ID:            a.TicketID(),
		CustomerName:  name,
		CustomerEmail: email,
		Status:        model.StatusOpen,
	})
	switch {
	case err == nil:
		metrics.TicketsTotal.WithLabelValues("route").Inc()
		a.SetCustomer(name, email)
		return nil
	case errors.Is(err, store.ErrDuplicateTicket):
		ticket, err = r.opts.Store.GetTicket(ctx, a.TicketID())
		if err != nil {
			return fmt.Errorf("agent: load ticket %s: %w", a.TicketID(), err)
		}
		a.SetCustomer(ticket.CustomerName, ticket.CustomerEmail)
		return nil
	default:
		return fmt.Errorf("agent: create ticket %s: %w", a.TicketID(), err)
	}
}
