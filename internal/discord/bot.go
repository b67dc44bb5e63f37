// Package discord is the Discord front end: each ticket lives in its own
// thread, and replies and escalations are posted back to it.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/internal/tools"
	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/metrics"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limited calls.
	baseBackoff = time.Second
	// maxBackoff caps the backoff.
	maxBackoff = 30 * time.Second
	// threadArchiveMinutes archives idle ticket threads after an hour.
	threadArchiveMinutes = 60
	// handleTimeout bounds one inbound message, model calls included.
	handleTimeout = 5 * time.Minute

	titlePrompt = "Create a very brief 1-5 word summary for a support ticket thread name. " +
		"Be concise and descriptive. No punctuation or special characters except spaces and hyphens."
	maxTitleRunes = 45
)

// Sender routes a customer message into a ticket's conversation.
type Sender interface {
	Send(ctx context.Context, ticketID string, req *model.SendMessageRequest) (*model.SendMessageResponse, error)
}

// TicketStore is the ticket persistence the bot needs.
type TicketStore interface {
	CreateTicket(ctx context.Context, t *model.Ticket) error
	GetTicket(ctx context.Context, id string) (*model.Ticket, error)
	GetTicketByExternalThreadRef(ctx context.Context, ref string) (*model.Ticket, error)
}

// Options holds parameters for creating a Bot.
type Options struct {
	Token     string // Discord bot token
	Store     TicketStore
	Model     llm.Client // titles new threads; nil uses the fallback title
	ModelName string
	Logger    *logger.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// Bot connects tickets to Discord threads.
type Bot struct {
	sess        session
	store       TicketStore
	model       llm.Client
	modelName   string
	log         *logger.Logger
	baseBackoff time.Duration

	mu            sync.Mutex
	sender        Sender
	ctx           context.Context
	removeHandler func()
}

// New creates a Bot.
func New(opts Options) (*Bot, error) {
	if opts.Store == nil {
		return nil, errors.New("discord: store is required")
	}
	sess := opts.Session
	if sess == nil {
		if opts.Token == "" {
			return nil, errors.New("discord: bot token is required")
		}
		dg, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		sess = &realSession{s: dg}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Bot{
		sess:        sess,
		store:       opts.Store,
		model:       opts.Model,
		modelName:   opts.ModelName,
		log:         log,
		baseBackoff: baseBackoff,
		ctx:         context.Background(),
	}, nil
}

// Start registers the message handler and opens the gateway. Inbound
// messages are routed through sender until ctx is done or Close is called.
func (b *Bot) Start(ctx context.Context, sender Sender) error {
	b.mu.Lock()
	b.sender = sender
	b.ctx = ctx
	b.mu.Unlock()

	b.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.log.Info("discord connected", zap.String("user", r.User.Username), zap.String("user_id", r.User.ID))
	})
	remove := b.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.handleMessage(m)
	})
	b.mu.Lock()
	b.removeHandler = remove
	b.mu.Unlock()

	if err := b.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	b.mu.Lock()
	remove := b.removeHandler
	b.removeHandler = nil
	b.mu.Unlock()
	if remove != nil {
		remove()
	}
	return b.sess.Close()
}

func (b *Bot) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == b.sess.BotUserID() {
		return
	}

	b.mu.Lock()
	sender, base := b.sender, b.ctx
	b.mu.Unlock()
	if sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, handleTimeout)
	defer cancel()

	ticket, err := b.store.GetTicketByExternalThreadRef(ctx, m.ChannelID)
	switch {
	case err == nil:
		b.handleThreadMessage(ctx, sender, ticket, m)
		return
	case !errors.Is(err, store.ErrNotFound):
		b.log.Error("discord: thread lookup failed", zap.String("channel_id", m.ChannelID), zap.Error(err))
		return
	}

	if b.mentioned(m) {
		b.openTicket(ctx, sender, m)
	}
}

func (b *Bot) handleThreadMessage(ctx context.Context, sender Sender, ticket *model.Ticket, m *discordgo.MessageCreate) {
	if ticket.Status == model.StatusEscalated {
		b.log.Info("ignoring message in escalated ticket", zap.String("ticket_id", ticket.ID))
		return
	}
	b.route(ctx, sender, ticket.ID, m.ChannelID, customer(m), m.Content)
}

// openTicket starts a ticket thread for a message that mentions the bot.
func (b *Bot) openTicket(ctx context.Context, sender Sender, m *discordgo.MessageCreate) {
	content := b.stripMention(m.Content)
	if err := b.sess.MessageReactionAdd(m.ChannelID, m.ID, "👀"); err != nil {
		b.log.Warn("discord: add reaction failed", zap.Error(err))
	}

	ticketID := uuid.Must(uuid.NewV7()).String()
	title := b.title(ctx, ticketID, content)

	var thread *discordgo.Channel
	err := b.retryOnRateLimit(ctx, func() error {
		var apiErr error
		thread, apiErr = b.sess.MessageThreadStartComplex(m.ChannelID, m.ID, &discordgo.ThreadStart{
			Name:                "🎫 " + title,
			AutoArchiveDuration: threadArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return apiErr
	})
	if err != nil {
		b.log.Error("discord: create thread failed", zap.String("ticket_id", ticketID), zap.Error(err))
		return
	}

	who := customer(m)
	ref := thread.ID
	err = b.store.CreateTicket(ctx, &model.Ticket{
		ID:                ticketID,
		CustomerName:      who.Name,
		CustomerEmail:     who.Email,
		Status:            model.StatusOpen,
		ExternalThreadRef: &ref,
		Summary:           &title,
	})
	if err != nil {
		b.log.Error("discord: create ticket failed", zap.String("ticket_id", ticketID), zap.Error(err))
		b.post(ctx, thread.ID, "❌ **Error creating ticket:** "+err.Error())
		return
	}
	metrics.TicketsTotal.WithLabelValues("discord").Inc()
	b.log.Info("ticket opened", zap.String("ticket_id", ticketID), zap.String("thread_id", thread.ID), zap.String("title", title))

	b.post(ctx, thread.ID, fmt.Sprintf("**Ticket #%s** - Processing your request...", shortID(ticketID, 16)))
	b.route(ctx, sender, ticketID, thread.ID, who, content)
}

func (b *Bot) route(ctx context.Context, sender Sender, ticketID, threadID string, who model.Customer, content string) {
	resp, err := sender.Send(ctx, ticketID, &model.SendMessageRequest{
		Name:    who.Name,
		Email:   who.Email,
		Content: content,
	})
	if err != nil {
		b.log.Error("discord: processing message failed", zap.String("ticket_id", ticketID), zap.Error(err))
		b.post(ctx, threadID, "❌ **Error processing message:** "+err.Error())
		return
	}
	if resp.Reply != "" {
		b.post(ctx, threadID, "**Response:**\n"+resp.Reply)
	}
}

// Deliver sends a reply body to the ticket's thread and archives the thread
// once the ticket is closed.
func (b *Bot) Deliver(ctx context.Context, body string, state model.TicketStatus, ticketID string) (string, error) {
	threadID, err := b.threadFor(ctx, ticketID)
	if err != nil {
		return "", err
	}
	parts := SplitMessage(body, MaxMessageBytes)
	for _, part := range parts {
		if err := b.send(ctx, threadID, part); err != nil {
			return "", err
		}
	}
	if state == model.StatusClosed {
		archived := true
		err := b.retryOnRateLimit(ctx, func() error {
			_, apiErr := b.sess.ChannelEdit(threadID, &discordgo.ChannelEdit{Archived: &archived})
			return apiErr
		})
		if err != nil {
			b.log.Warn("discord: archive thread failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return fmt.Sprintf("sent %d message(s) to thread %s", len(parts), threadID), nil
}

// Notify posts an escalation banner to the ticket's thread and pins a notice.
func (b *Bot) Notify(ctx context.Context, summary, ticketID string) (string, error) {
	threadID, err := b.threadFor(ctx, ticketID)
	if err != nil {
		return "", err
	}
	banner := fmt.Sprintf("🚨 **ESCALATED TO HUMAN SUPPORT** 🚨\n\n**Ticket ID:** %s\n**Issue Summary:** %s\n\n"+
		"A human support agent will review this ticket and respond as soon as possible.\n\n"+
		"*Note: This ticket is now managed by human support. The AI will no longer respond to messages in this thread.*",
		ticketID, summary)
	for _, part := range SplitMessage(banner, MaxMessageBytes) {
		if err := b.send(ctx, threadID, part); err != nil {
			return "", err
		}
	}

	var notice *discordgo.Message
	err = b.retryOnRateLimit(ctx, func() error {
		var apiErr error
		notice, apiErr = b.sess.ChannelMessageSend(threadID, fmt.Sprintf("📌 Ticket %s has been escalated and is awaiting human review.", ticketID))
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: post escalation notice: %w", err)
	}
	if err := b.sess.ChannelMessagePin(threadID, notice.ID); err != nil {
		b.log.Warn("discord: pin escalation notice failed", zap.String("thread_id", threadID), zap.Error(err))
	}
	return fmt.Sprintf("escalation posted to thread %s", threadID), nil
}

func (b *Bot) threadFor(ctx context.Context, ticketID string) (string, error) {
	ticket, err := b.store.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return "", tools.ErrNoRoute
	}
	if err != nil {
		return "", fmt.Errorf("discord: load ticket: %w", err)
	}
	if ticket.ExternalThreadRef == nil || *ticket.ExternalThreadRef == "" {
		return "", tools.ErrNoRoute
	}
	return *ticket.ExternalThreadRef, nil
}

func (b *Bot) send(ctx context.Context, channelID, content string) error {
	err := b.retryOnRateLimit(ctx, func() error {
		_, apiErr := b.sess.ChannelMessageSend(channelID, content)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// post sends a bot notice, logging instead of failing.
func (b *Bot) post(ctx context.Context, channelID, content string) {
	for _, part := range SplitMessage(content, MaxMessageBytes) {
		if err := b.send(ctx, channelID, part); err != nil {
			b.log.Warn("discord: post failed", zap.String("channel_id", channelID), zap.Error(err))
			return
		}
	}
}

// title asks the model for a short thread name.
func (b *Bot) title(ctx context.Context, ticketID, content string) string {
	fallback := "Ticket #" + shortID(ticketID, 8)
	if b.model == nil {
		return fallback
	}
	resp, err := b.model.Complete(ctx, &llm.CompletionRequest{
		Model: b.modelName,
		Messages: []model.Turn{
			{Role: model.RoleSystem, Content: titlePrompt},
			{Role: model.RoleUser, Content: "Summarize this support request: " + content},
		},
		MaxTokens:   20,
		Temperature: 0.3,
	})
	if err != nil {
		b.log.Warn("discord: title generation failed", zap.Error(err))
		return fallback
	}
	if t := cleanTitle(resp.Content); t != "" {
		return t
	}
	return fallback
}

// cleanTitle keeps letters, digits, spaces, hyphens and underscores, at most
// five words and maxTitleRunes runes.
func cleanTitle(s string) string {
	kept := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '-' || r == '_' {
			return r
		}
		return -1
	}, s)
	words := strings.Fields(kept)
	if len(words) > 5 {
		words = words[:5]
	}
	out := []rune(strings.Join(words, " "))
	if len(out) > maxTitleRunes {
		out = out[:maxTitleRunes]
	}
	return strings.TrimSpace(string(out))
}

func (b *Bot) mentioned(m *discordgo.MessageCreate) bool {
	botID := b.sess.BotUserID()
	if botID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

func (b *Bot) stripMention(content string) string {
	botID := b.sess.BotUserID()
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

func customer(m *discordgo.MessageCreate) model.Customer {
	name := m.Author.Username
	switch {
	case m.Member != nil && m.Member.Nick != "":
		name = m.Member.Nick
	case m.Author.GlobalName != "":
		name = m.Author.GlobalName
	}
	return model.Customer{Name: name, Email: m.Author.ID + "@discord"}
}

func shortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (b *Bot) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * b.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		b.log.Warn("discord: rate limited", zap.Int("attempt", attempt+1), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
