package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-desk/internal/background"
	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/internal/tools"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

// scriptedModel replays canned responses and records every request.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.CompletionResponse
	err       error
	requests  [][]model.Turn
	fallback  *llm.CompletionResponse
}

func (m *scriptedModel) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := make([]model.Turn, len(req.Messages))
	copy(turns, req.Messages)
	m.requests = append(m.requests, turns)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		if m.fallback != nil {
			return m.fallback, nil
		}
		return &llm.CompletionResponse{Content: "out of script"}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Name() string     { return "scripted" }
func (m *scriptedModel) Models() []string { return []string{"scripted"} }

type oneHit struct{}

func (oneHit) Search(context.Context, string, int) ([]model.DocHit, error) {
	return []model.DocHit{{FilePath: "docs/start.md", Section: 1, Text: "Check the policy file."}}, nil
}

type brokenHistory struct {
	*store.Store
}

func (brokenHistory) ReconstructTurns(context.Context, string) ([]model.Turn, error) {
	return nil, errors.New("read timeout")
}

func toolCall(id, name, args string) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Arguments: args}
}

type harness struct {
	store    *store.Store
	queue    *background.Queue
	model    *scriptedModel
	registry *Registry
}

func newHarness(t *testing.T, responses ...*llm.CompletionResponse) *harness {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	q := background.NewQueue(background.Options{Logger: logger.NewNop()})
	t.Cleanup(func() { _ = q.Drain(context.Background()) })

	d, err := tools.NewDispatcher(tools.Options{
		Store:    s,
		Searcher: oneHit{},
		Queue:    q,
		Logger:   logger.NewNop(),
	})
	require.NoError(t, err)

	h := &harness{store: s, queue: q, model: &scriptedModel{responses: responses}}
	h.registry = h.newRegistry(d, s)
	return h
}

func (h *harness) newRegistry(d Dispatcher, s TicketStore) *Registry {
	return NewRegistry(RegistryOptions{
		Store:        s,
		Model:        h.model,
		Dispatcher:   d,
		SystemPrompt: "You are a support agent.",
		MaxRounds:    4,
		Logger:       logger.NewNop(),
	})
}

func (h *harness) messages(t *testing.T, ticketID string) []model.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), ticketID, 0, 0)
	require.NoError(t, err)
	return msgs
}

func t1Script() []*llm.CompletionResponse {
	return []*llm.CompletionResponse{
		{ToolCalls: []model.ToolCall{toolCall("c1", "lookup_knowledgebase", `{"query":"Anubis won't start"}`)}},
		{ToolCalls: []model.ToolCall{toolCall("c2", "reply", `{"body":"Try X","state":"wait_for_reply"}`)}},
	}
}

func TestRoute_LookupThenReply(t *testing.T) {
	h := newHarness(t, t1Script()...)
	ctx := context.Background()

	reply, err := h.registry.Route(ctx, "T1", "Ada", "ada@example.com", "Anubis won't start.")
	require.NoError(t, err)
	assert.Equal(t, "", reply)

	ticket, err := h.store.GetTicket(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitForReply, ticket.Status)

	require.NoError(t, h.queue.Flush(ctx, "T1"))
	usage, err := h.store.ListToolUsage(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "lookup_knowledgebase", usage[0].ToolName)
	assert.Equal(t, "reply", usage[1].ToolName)

	msgs := h.messages(t, "T1")
	require.Len(t, msgs, 5)
	roles := make([]model.Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	assert.Equal(t, []model.Role{
		model.RoleUser, model.RoleAssistant, model.RoleTool, model.RoleAssistant, model.RoleTool,
	}, roles)

	assert.Equal(t, "Customer: Ada (ada@example.com)\nMessage: Anubis won't start.", msgs[0].Content)
	assert.Equal(t, "Anubis won't start.", msgs[0].Metadata[model.MetaOriginalContent])
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "lookup_knowledgebase", msgs[2].Metadata[model.MetaToolName])

	// Audit rows point at the assistant turn that issued them.
	require.NotNil(t, usage[0].MessageID)
	assert.Equal(t, msgs[1].ID, *usage[0].MessageID)
	require.NotNil(t, usage[1].MessageID)
	assert.Equal(t, msgs[3].ID, *usage[1].MessageID)
}

func TestRoute_HistoryRoundTripsThroughStore(t *testing.T) {
	h := newHarness(t, t1Script()...)
	ctx := context.Background()

	_, err := h.registry.Route(ctx, "T1", "Ada", "ada@example.com", "Anubis won't start.")
	require.NoError(t, err)
	live := h.registry.GetOrCreate("T1").Turns()

	h.model.responses = []*llm.CompletionResponse{{Content: "Anything else?"}}
	fresh := h.newRegistry(h.registry.opts.Dispatcher, h.store)
	reply, err := fresh.Route(ctx, "T1", "Someone Else", "else@example.com", "It works now")
	require.NoError(t, err)
	assert.Equal(t, "Anything else?", reply)

	last := h.model.requests[len(h.model.requests)-1]
	require.Len(t, last, len(live)+1)
	assert.Equal(t, live, last[:len(live)])
	// The stored identity wins over the one supplied by the caller.
	assert.Equal(t, "Customer: Ada (ada@example.com)\nMessage: It works now", last[len(live)].Content)
}

func TestProcessMessage_HydrationFailureDegrades(t *testing.T) {
	h := newHarness(t, &llm.CompletionResponse{Content: "Hello"})
	ctx := context.Background()
	require.NoError(t, h.store.CreateTicket(ctx, &model.Ticket{ID: "T2"}))

	r := h.newRegistry(h.registry.opts.Dispatcher, brokenHistory{h.store})
	reply, err := r.Route(ctx, "T2", "Bo", "bo@example.com", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello", reply)

	require.Len(t, h.model.requests, 1)
	turns := h.model.requests[0]
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleSystem, turns[0].Role)
	assert.Equal(t, model.RoleUser, turns[1].Role)
}

func TestProcessMessage_DirectResponse(t *testing.T) {
	h := newHarness(t,
		&llm.CompletionResponse{Content: "Hi, how can I help?"},
		&llm.CompletionResponse{},
	)
	ctx := context.Background()

	reply, err := h.registry.Route(ctx, "T3", "Cy", "cy@example.com", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi, how can I help?", reply)

	msgs := h.messages(t, "T3")
	require.Len(t, msgs, 2)
	assert.Equal(t, true, msgs[1].Metadata[model.MetaDirectResponse])

	reply, err = h.registry.Route(ctx, "T3", "Cy", "cy@example.com", "still there?")
	require.NoError(t, err)
	assert.Equal(t, "", reply)
	assert.Len(t, h.messages(t, "T3"), 3, "empty final content is not stored")
}

func TestProcessMessage_ReplyWithContentStoresFinalResponse(t *testing.T) {
	h := newHarness(t, &llm.CompletionResponse{
		Content:   "Sent you the steps.",
		ToolCalls: []model.ToolCall{toolCall("c1", "reply", `{"body":"Steps...","state":"closed"}`)},
	})

	reply, err := h.registry.Route(context.Background(), "T4", "Di", "di@example.com", "help")
	require.NoError(t, err)
	assert.Equal(t, "Sent you the steps.", reply)

	msgs := h.messages(t, "T4")
	require.Len(t, msgs, 4)
	assert.Equal(t, true, msgs[3].Metadata[model.MetaFinalResponse])
}

func TestProcessMessage_ReplyRoundDispatchesEveryCallThenStops(t *testing.T) {
	h := newHarness(t,
		&llm.CompletionResponse{ToolCalls: []model.ToolCall{
			toolCall("c1", "note", `{"text":"customer is on v2"}`),
			toolCall("c2", "reply", `{"body":"Upgrade to v3","state":"closed"}`),
			toolCall("c3", "lookup_knowledgebase", `{"query":"v3 upgrade"}`),
		}},
		&llm.CompletionResponse{Content: "never requested"},
	)
	ctx := context.Background()

	reply, err := h.registry.Route(ctx, "T7", "Gus", "gus@example.com", "help")
	require.NoError(t, err)
	assert.Equal(t, "", reply)
	assert.Len(t, h.model.requests, 1)

	require.NoError(t, h.queue.Flush(ctx, "T7"))
	usage, err := h.store.ListToolUsage(ctx, "T7")
	require.NoError(t, err)
	require.Len(t, usage, 3)
	names := []string{usage[0].ToolName, usage[1].ToolName, usage[2].ToolName}
	assert.ElementsMatch(t, []string{"note", "reply", "lookup_knowledgebase"}, names)

	msgs := h.messages(t, "T7")
	require.Len(t, msgs, 5)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.Equal(t, "c3", msgs[4].ToolCallID)
}

func TestProcessMessage_UnknownToolLetsModelRecover(t *testing.T) {
	h := newHarness(t,
		&llm.CompletionResponse{ToolCalls: []model.ToolCall{toolCall("c1", "frobnicate", `{}`)}},
		&llm.CompletionResponse{ToolCalls: []model.ToolCall{toolCall("c2", "reply", `{"body":"ok","state":"closed"}`)}},
	)

	_, err := h.registry.Route(context.Background(), "T5", "Ed", "ed@example.com", "help")
	require.NoError(t, err)

	second := h.model.requests[1]
	toolTurn := second[len(second)-1]
	assert.Equal(t, model.RoleTool, toolTurn.Role)
	assert.Equal(t, "c1", toolTurn.ToolCallID)
	assert.Contains(t, toolTurn.Content, "unknown tool")
}

func TestProcessMessage_RoundLimit(t *testing.T) {
	h := newHarness(t)
	h.model.fallback = &llm.CompletionResponse{
		ToolCalls: []model.ToolCall{toolCall("n", "note", `{"text":"thinking"}`)},
	}

	_, err := h.registry.Route(context.Background(), "T6", "Fa", "fa@example.com", "help")
	require.ErrorIs(t, err, ErrMaxRounds)
	assert.Len(t, h.model.requests, 4)
}

func TestProcessMessage_ModelFailurePersistsNothingForRound(t *testing.T) {
	h := newHarness(t)
	h.model.err = errors.New("connection refused")

	_, err := h.registry.Route(context.Background(), "T7", "Gu", "gu@example.com", "help")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent: model completion")

	msgs := h.messages(t, "T7")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.registry.GetOrCreate("T8")
	assert.Same(t, a, h.registry.GetOrCreate("T8"))
	assert.NotSame(t, a, h.registry.GetOrCreate("T9"))
	assert.Equal(t, 2, h.registry.Len())

	assert.True(t, h.registry.Remove("T8"))
	assert.False(t, h.registry.Remove("T8"))
	assert.NotSame(t, a, h.registry.GetOrCreate("T8"))
}

func TestRegistry_TicketCreatedOnce(t *testing.T) {
	h := newHarness(t,
		&llm.CompletionResponse{Content: "one"},
		&llm.CompletionResponse{Content: "two"},
	)
	ctx := context.Background()

	_, err := h.registry.Route(ctx, "T10", "Ha", "ha@example.com", "first")
	require.NoError(t, err)
	h.registry.Remove("T10")
	_, err = h.registry.Route(ctx, "T10", "Other", "other@example.com", "second")
	require.NoError(t, err)

	tickets, err := h.store.ListTickets(ctx, 0)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "Ha", tickets[0].CustomerName)
}

func TestAgent_SetCustomerOnce(t *testing.T) {
	a := New(Options{TicketID: "T11", Logger: logger.NewNop()})
	assert.False(t, a.HasCustomer())
	assert.True(t, a.SetCustomer("Io", "io@example.com"))
	assert.False(t, a.SetCustomer("Jo", "jo@example.com"))
	assert.Equal(t, "Customer: Io (io@example.com)\nMessage: x", a.formatUserTurn("x"))
}

func TestRegistry_EvictIdle(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.registry.now = func() time.Time { return now }

	h.registry.GetOrCreate("old")
	now = now.Add(time.Hour)
	h.registry.GetOrCreate("new")

	busy := h.registry.lock("busy")
	busy.lastUsed = now.Add(-2 * time.Hour)

	assert.Equal(t, 1, h.registry.EvictIdle(30*time.Minute))
	busy.mu.Unlock()
	assert.Equal(t, 2, h.registry.Len())
}

func TestRegistry_ScheduleEvictionRejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.ScheduleEviction("not a schedule", time.Minute)
	assert.Error(t, err)

	c, err := h.registry.ScheduleEviction("@every 1m", time.Minute)
	require.NoError(t, err)
	c.Stop()
}

func TestLoadSystemPrompt(t *testing.T) {
	assert.Equal(t, DefaultSystemPrompt, LoadSystemPrompt(""))
	assert.Equal(t, DefaultSystemPrompt, LoadSystemPrompt(filepath.Join(t.TempDir(), "missing.md")))

	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("\n  Be kind.\n"), 0o600))
	assert.Equal(t, "Be kind.", LoadSystemPrompt(path))
}
