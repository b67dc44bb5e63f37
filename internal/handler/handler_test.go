package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-desk/internal/middleware"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/service"
	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

const testSecret = "handler-secret"

// replyingRouter stands in for the agent registry: every message gets one
// delivered reply and leaves the ticket waiting for the customer.
type replyingRouter struct {
	store  *store.Store
	active map[string]bool
}

func (r *replyingRouter) Route(ctx context.Context, ticketID, name, email, text string) (string, error) {
	if _, err := r.store.GetTicket(ctx, ticketID); errors.Is(err, store.ErrNotFound) {
		if err := r.store.CreateTicket(ctx, &model.Ticket{ID: ticketID, CustomerName: name, CustomerEmail: email}); err != nil {
			return "", err
		}
	}
	for _, m := range []*model.Message{
		{TicketID: ticketID, Role: model.RoleUser, Content: text},
		{TicketID: ticketID, Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "reply", Arguments: `{"body":"On it.","state":"wait_for_reply"}`},
		}},
		{TicketID: ticketID, Role: model.RoleTool, ToolCallID: "c1", Content: `{"delivered":true}`},
	} {
		if err := r.store.AppendMessage(ctx, m); err != nil {
			return "", err
		}
	}
	r.active[ticketID] = true
	return "", r.store.UpdateTicketStatus(ctx, ticketID, model.StatusWaitForReply, nil)
}

func (r *replyingRouter) Remove(ticketID string) bool {
	ok := r.active[ticketID]
	delete(r.active, ticketID)
	return ok
}

type fakeEvents struct {
	replay []model.TicketEvent
	live   []model.TicketEvent
	err    error
}

func (f *fakeEvents) GetEvents(_ context.Context, _ string, after uint64, limit int) (*model.ListEventsResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.TicketEvent
	for _, ev := range f.replay {
		if ev.Sequence > after && len(out) < limit {
			out = append(out, ev)
		}
	}
	resp := &model.ListEventsResponse{Events: out, LastSequence: after}
	if n := len(out); n > 0 {
		resp.LastSequence = out[n-1].Sequence
		resp.HasMore = out[n-1].Sequence < f.replay[len(f.replay)-1].Sequence
	}
	return resp, nil
}

func (f *fakeEvents) Watch(context.Context, string, uint64) (<-chan model.TicketEvent, error) {
	ch := make(chan model.TicketEvent, len(f.live))
	for _, ev := range f.live {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testServer struct {
	handler http.Handler
	store   *store.Store
	events  *fakeEvents
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := logger.NewNop()
	events := &fakeEvents{}
	tickets := service.NewTicketService(s, log)
	messages := service.NewMessageService(&replyingRouter{store: s, active: map[string]bool{}}, s, nil, log)

	return &testServer{
		handler: NewRouter(RouterOptions{
			Tickets:    NewTicketHandler(tickets, messages, log),
			Events:     NewEventHandler(events, tickets, log),
			Health:     NewHealthHandler(s, nil),
			JWTSecret:  testSecret,
			RateLimit:  1000,
			RateWindow: time.Minute,
			Logger:     log,
		}),
		store:  s,
		events: events,
	}
}

func token(t *testing.T, scopes ...string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"},
		Scopes:           scopes,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (ts *testServer) do(t *testing.T, method, path, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token(t, scopes...))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReady_NATSDown(t *testing.T) {
	h := NewHealthHandler(pinger{}, pinger{err: errors.New("disconnected")})
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NATS")
}

func TestAPI_RequiresToken(t *testing.T) {
	ts := newTestServer(t)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tickets", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/tickets/T1/messages",
		`{"name":"Ada","email":"ada@example.com","content":"my build fails"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "T1", resp.TicketID)
	assert.Equal(t, []string{"On it."}, resp.Replies)
	assert.Equal(t, model.StatusWaitForReply, resp.Status)

	rec = ts.do(t, http.MethodGet, "/api/v1/tickets/T1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"customer_name":"Ada"`)

	rec = ts.do(t, http.MethodGet, "/api/v1/tickets/T1/messages?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)

	rec = ts.do(t, http.MethodGet, "/api/v1/tickets?status=wait_for_reply", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	rec = ts.do(t, http.MethodGet, "/api/v1/search?q=build", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ticket_id":"T1"`)
}

func TestSendMessage_Validation(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/tickets/T1/messages", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/tickets/T1/messages", `{"content":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/tickets?status=pending", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/search", "").Code)
}

func TestSendMessage_EscalatedConflict(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.CreateTicket(ctx, &model.Ticket{ID: "T9"}))
	require.NoError(t, ts.store.UpdateTicketStatus(ctx, "T9", model.StatusEscalated, nil))

	rec := ts.do(t, http.MethodPost, "/api/v1/tickets/T9/messages", `{"content":"anyone?"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTicketNotFound(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/api/v1/tickets/nope",
		"/api/v1/tickets/nope/messages",
		"/api/v1/tickets/nope/tool-usage",
		"/api/v1/tickets/nope/summary",
		"/api/v1/tickets/nope/events",
	} {
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, "").Code, path)
	}
}

func TestToolUsageAndSummary(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/tickets/T1/messages", `{"content":"hi"}`).Code)

	rec := ts.do(t, http.MethodGet, "/api/v1/tickets/T1/tool-usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tool_usage":[]`)

	rec = ts.do(t, http.MethodGet, "/api/v1/tickets/T1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_messages":3`)
}

func TestEvictAgent(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/tickets/T1/messages", `{"content":"hi"}`).Code)

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/api/v1/tickets/T1/agent", "").Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/tickets/T1/agent", "", middleware.ScopeAdmin).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/tickets/T1/agent", "", middleware.ScopeAdmin).Code)
}

func TestEventStream_ReplaysThenFollows(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.CreateTicket(context.Background(), &model.Ticket{ID: "T1"}))
	for i := uint64(1); i <= 60; i++ {
		ts.events.replay = append(ts.events.replay, model.TicketEvent{TicketID: "T1", Type: model.EventTypeStatusChanged, Sequence: i})
	}
	ts.events.live = []model.TicketEvent{{TicketID: "T1", Type: model.EventTypeEscalated, Sequence: 61}}

	rec := ts.do(t, http.MethodGet, "/api/v1/tickets/T1/events?after_sequence=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: connected\n"))
	assert.Equal(t, 55, strings.Count(body, "event: status_changed\n"))
	assert.Contains(t, body, `"last_sequence":60,"event_count":55`)
	assert.Less(t, strings.Index(body, "event: replay_complete"), strings.Index(body, "event: escalated"))
}

func TestEventStream_ReplayError(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.CreateTicket(context.Background(), &model.Ticket{ID: "T1"}))
	ts.events.err = errors.New("stream gone")

	rec := ts.do(t, http.MethodGet, "/api/v1/tickets/T1/events", "")
	assert.Contains(t, rec.Body.String(), "replay_error")
}
