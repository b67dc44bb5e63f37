package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	slackapi "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/tools"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

type mockSlackClient struct {
	mu      sync.Mutex
	posted  []string
	errs    []error
	options int
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", "", err
	}
	m.posted = append(m.posted, channelID)
	m.options = len(options)
	return channelID, "1700000000.000100", nil
}

type ticketLookup map[string]*model.Ticket

func (l ticketLookup) GetTicket(_ context.Context, id string) (*model.Ticket, error) {
	if t, ok := l[id]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}

func TestNewSlack_Validation(t *testing.T) {
	_, err := NewSlack(SlackOptions{BotToken: "xoxb"})
	assert.Error(t, err)
	_, err = NewSlack(SlackOptions{ChannelID: "C1"})
	assert.Error(t, err)
}

func TestSlackNotify(t *testing.T) {
	client := &mockSlackClient{}
	s, err := NewSlack(SlackOptions{
		ChannelID: "C_ESC",
		Client:    client,
		Tickets:   ticketLookup{"T1": {ID: "T1", CustomerName: "Ada", CustomerEmail: "ada@example.com"}},
		Logger:    logger.NewNop(),
	})
	require.NoError(t, err)

	res, err := s.Notify(context.Background(), "refund request", "T1")
	require.NoError(t, err)
	assert.Contains(t, res, "1700000000.000100")
	assert.Equal(t, []string{"C_ESC"}, client.posted)
	assert.Equal(t, 2, client.options)
}

func TestSlackNotify_RetriesRateLimit(t *testing.T) {
	client := &mockSlackClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: 1}}}
	s, err := NewSlack(SlackOptions{ChannelID: "C_ESC", Client: client, Logger: logger.NewNop()})
	require.NoError(t, err)

	_, err = s.Notify(context.Background(), "x", "T2")
	require.NoError(t, err)
	assert.Len(t, client.posted, 1)
}

func TestSlackNotify_Error(t *testing.T) {
	client := &mockSlackClient{errs: []error{errors.New("channel_not_found")}}
	s, err := NewSlack(SlackOptions{ChannelID: "C_ESC", Client: client, Logger: logger.NewNop()})
	require.NoError(t, err)

	_, err = s.Notify(context.Background(), "x", "T3")
	assert.ErrorContains(t, err, "channel_not_found")
}

type fixedNotifier struct {
	res string
	err error
}

func (f fixedNotifier) Notify(context.Context, string, string) (string, error) {
	return f.res, f.err
}

func TestMulti(t *testing.T) {
	ctx := context.Background()

	m := NewMulti(logger.NewNop(), fixedNotifier{err: tools.ErrNoRoute}, nil, fixedNotifier{res: "paged"})
	assert.Equal(t, 2, m.Len())
	res, err := m.Notify(ctx, "s", "T1")
	require.NoError(t, err)
	assert.Equal(t, "paged", res)

	m = NewMulti(logger.NewNop(), fixedNotifier{err: errors.New("down")}, fixedNotifier{res: "banner"})
	res, err = m.Notify(ctx, "s", "T1")
	require.NoError(t, err)
	assert.Equal(t, "banner", res)

	m = NewMulti(logger.NewNop(), fixedNotifier{err: errors.New("down")}, fixedNotifier{err: tools.ErrNoRoute})
	_, err = m.Notify(ctx, "s", "T1")
	assert.ErrorContains(t, err, "down")

	m = NewMulti(logger.NewNop(), fixedNotifier{err: tools.ErrNoRoute})
	_, err = m.Notify(ctx, "s", "T1")
	assert.ErrorIs(t, err, tools.ErrNoRoute)
}
