package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-desk/internal/model"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTicket(t *testing.T, s *Store, id string) *model.Ticket {
	t.Helper()
	ticket := &model.Ticket{ID: id, CustomerName: "Ada", CustomerEmail: "ada@example.com"}
	require.NoError(t, s.CreateTicket(context.Background(), ticket))
	return ticket
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestCreateTicket_DefaultsAndDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ticket := createTicket(t, s, "T1")
	assert.Equal(t, model.StatusOpen, ticket.Status)
	assert.False(t, ticket.CreatedAt.IsZero())

	err := s.CreateTicket(ctx, &model.Ticket{ID: "T1", CustomerName: "Other"})
	assert.ErrorIs(t, err, ErrDuplicateTicket)

	got, err := s.GetTicket(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.CustomerName)
}

func TestGetTicket_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.GetTicket(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTicketStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ticket := createTicket(t, s, "T1")

	reason := "refund request"
	require.NoError(t, s.UpdateTicketStatus(ctx, "T1", model.StatusEscalated, &reason))

	got, err := s.GetTicket(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEscalated, got.Status)
	require.NotNil(t, got.EscalationReason)
	assert.Equal(t, reason, *got.EscalationReason)
	assert.False(t, got.UpdatedAt.Before(ticket.UpdatedAt))

	// A nil reason keeps the previous one.
	require.NoError(t, s.UpdateTicketStatus(ctx, "T1", model.StatusClosed, nil))
	got, err = s.GetTicket(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, got.Status)
	require.NotNil(t, got.EscalationReason)
	assert.Equal(t, reason, *got.EscalationReason)

	assert.ErrorIs(t, s.UpdateTicketStatus(ctx, "nope", model.StatusClosed, nil), ErrNotFound)
	assert.Error(t, s.UpdateTicketStatus(ctx, "T1", model.TicketStatus("bogus"), nil))
}

func TestExternalThreadRefAndSummary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTicket(t, s, "T1")

	require.NoError(t, s.SetExternalThreadRef(ctx, "T1", "thread-9"))
	require.NoError(t, s.UpdateTicketSummary(ctx, "T1", "Anubis startup"))

	got, err := s.GetTicketByExternalThreadRef(ctx, "thread-9")
	require.NoError(t, err)
	assert.Equal(t, "T1", got.ID)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "Anubis startup", *got.Summary)

	_, err = s.GetTicketByExternalThreadRef(ctx, "thread-0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_AssignsSequenceAndTouchesTicket(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ticket := createTicket(t, s, "T1")

	var ids []string
	for i := 0; i < 3; i++ {
		msg := &model.Message{TicketID: "T1", Role: model.RoleUser, Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, s.AppendMessage(ctx, msg))
		assert.Equal(t, i+1, msg.Sequence)
		assert.NotEmpty(t, msg.ID)
		ids = append(ids, msg.ID)
	}

	msgs, err := s.ListMessages(ctx, "T1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
	}

	tail, err := s.ListMessages(ctx, "T1", 1, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "m1", tail[0].Content)

	last, err := s.LastSequence(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 3, last)
	last, err = s.LastSequence(ctx, "none")
	require.NoError(t, err)
	assert.Zero(t, last)

	got, err := s.GetTicket(ctx, "T1")
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(ticket.UpdatedAt))
}

func TestAppendMessage_ConcurrentTickets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		createTicket(t, s, id)
	}

	var wg sync.WaitGroup
	for _, id := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, s.AppendMessage(ctx, &model.Message{TicketID: id, Role: model.RoleUser, Content: "x"}))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"A", "B", "C"} {
		msgs, err := s.ListMessages(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		for i, m := range msgs {
			assert.Equal(t, i+1, m.Sequence)
		}
	}
}

func TestRecordToolUsage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTicket(t, s, "T1")

	msgID := "m-1"
	base := time.Now().UTC()
	require.NoError(t, s.RecordToolUsage(ctx, &model.ToolUsageRecord{
		TicketID:  "T1",
		MessageID: &msgID,
		ToolName:  "note",
		Args:      map[string]interface{}{"text": "hello"},
		Result:    []byte(`{"noted":true}`),
		CreatedAt: base,
	}))
	require.NoError(t, s.RecordToolUsage(ctx, &model.ToolUsageRecord{
		TicketID:  "T1",
		ToolName:  "reply",
		Result:    []byte(`{"error":"boom"}`),
		IsError:   true,
		CreatedAt: base.Add(time.Millisecond),
	}))

	recs, err := s.ListToolUsage(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "note", recs[0].ToolName)
	assert.Equal(t, "hello", recs[0].Args["text"])
	assert.JSONEq(t, `{"noted":true}`, string(recs[0].Result))
	require.NotNil(t, recs[0].MessageID)
	assert.Equal(t, msgID, *recs[0].MessageID)
	assert.True(t, recs[1].IsError)
}

func TestListTicketsByStatus_OrdersByActivity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	createTicket(t, s, "old")
	createTicket(t, s, "new")
	createTicket(t, s, "closed")
	require.NoError(t, s.UpdateTicketStatus(ctx, "closed", model.StatusClosed, nil))
	require.NoError(t, s.AppendMessage(ctx, &model.Message{TicketID: "old", Role: model.RoleUser, Content: "bump"}))

	open, err := s.ListTicketsByStatus(ctx, model.StatusOpen, 10)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "old", open[0].ID)
	assert.Equal(t, "new", open[1].ID)

	limited, err := s.ListTickets(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "old", limited[0].ID)
}

func TestSearchByContent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTicket(t, s, "T1")
	createTicket(t, s, "T2")
	require.NoError(t, s.UpdateTicketSummary(ctx, "T2", "billing dispute"))

	require.NoError(t, s.AppendMessage(ctx, &model.Message{TicketID: "T1", Role: model.RoleUser, Content: "Anubis won't start"}))
	require.NoError(t, s.AppendMessage(ctx, &model.Message{TicketID: "T1", Role: model.RoleUser, Content: "100% broken"}))
	require.NoError(t, s.AppendMessage(ctx, &model.Message{TicketID: "T2", Role: model.RoleUser, Content: "hello"}))

	hits, err := s.SearchByContent(ctx, "anubis", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "T1", hits[0].TicketID)

	hits, err = s.SearchByContent(ctx, "100%", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "100% broken", hits[0].Snippet)

	hits, err = s.SearchByContent(ctx, "billing", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "T2", hits[0].TicketID)
}

func TestSnippetTruncates(t *testing.T) {
	long := make([]rune, 250)
	for i := range long {
		long[i] = 'a'
	}
	got := snippet(string(long))
	assert.Len(t, []rune(got), snippetLength+3)
	assert.Equal(t, "short", snippet("short"))
}

func TestSummarize(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTicket(t, s, "T1")

	require.NoError(t, s.AppendMessage(ctx, &model.Message{TicketID: "T1", Role: model.RoleUser, Content: "hi"}))
	require.NoError(t, s.AppendMessage(ctx, &model.Message{TicketID: "T1", Role: model.RoleAssistant, Content: "hello"}))
	require.NoError(t, s.RecordToolUsage(ctx, &model.ToolUsageRecord{TicketID: "T1", ToolName: "note", Result: []byte(`{}`)}))
	require.NoError(t, s.RecordToolUsage(ctx, &model.ToolUsageRecord{TicketID: "T1", ToolName: "note", Result: []byte(`{}`)}))

	sum, err := s.Summarize(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalMessages)
	assert.Equal(t, 1, sum.MessageCounts[model.RoleUser])
	assert.Equal(t, 2, sum.ToolCounts["note"])
	require.NotNil(t, sum.FirstMessageAt)
	require.NotNil(t, sum.LastMessageAt)

	_, err = s.Summarize(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceDocSections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceDocSections(ctx, "docs/a.md", []model.DocSection{
		{Section: 0, Heading: "Intro", Text: "one"},
		{Section: 2, Heading: "Setup", Text: "two", Embedding: []float32{0.5, 1}},
	}))
	require.NoError(t, s.ReplaceDocSections(ctx, "docs/a.md", []model.DocSection{
		{Section: 0, Heading: "Intro", Text: "uno"},
	}))

	sections, err := s.ListDocSections(ctx)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "uno", sections[0].Text)
	assert.Equal(t, "docs/a.md", sections[0].FilePath)

	require.NoError(t, s.ReplaceDocSections(ctx, "docs/a.md", nil))
	sections, err = s.ListDocSections(ctx)
	require.NoError(t, err)
	assert.Empty(t, sections)
}
