// Package notify pages humans when a ticket is escalated.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// TicketLookup resolves ticket details for the escalation message.
type TicketLookup interface {
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
}

// SlackOptions holds parameters for creating a Slack notifier.
type SlackOptions struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // escalation channel
	Tickets   TicketLookup
	Logger    *logger.Logger
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Slack posts escalations to a Slack channel.
type Slack struct {
	client    slackClient
	channelID string
	tickets   TicketLookup
	log       *logger.Logger
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOptions) (*Slack, error) {
	if opts.ChannelID == "" {
		return nil, errors.New("notify: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, errors.New("notify: slack bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Slack{client: client, channelID: opts.ChannelID, tickets: opts.Tickets, log: log}, nil
}

// Notify posts the escalation summary for ticketID.
func (s *Slack) Notify(ctx context.Context, summary, ticketID string) (string, error) {
	att := slackapi.Attachment{
		Color: "danger",
		Title: "Ticket escalated",
		Text:  summary,
		Fields: []slackapi.AttachmentField{
			{Title: "Ticket", Value: ticketID, Short: true},
		},
		Footer: "support-desk",
	}
	if s.tickets != nil {
		t, err := s.tickets.GetTicket(ctx, ticketID)
		if err != nil {
			s.log.Warn("escalation: ticket lookup failed", zap.String("ticket_id", ticketID), zap.Error(err))
		} else {
			att.Fields = append(att.Fields, slackapi.AttachmentField{
				Title: "Customer",
				Value: fmt.Sprintf("%s (%s)", t.CustomerName, t.CustomerEmail),
				Short: true,
			})
			if t.Summary != nil && *t.Summary != "" {
				att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Topic", Value: *t.Summary})
			}
		}
	}

	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(fmt.Sprintf("Ticket %s needs a human: %s", ticketID, summary), false),
		slackapi.MsgOptionAttachments(att),
	}

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = s.client.PostMessage(s.channelID, options...)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("notify: slack post: %w", err)
	}
	return fmt.Sprintf("Escalation posted to Slack (%s)", ts), nil
}

func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
