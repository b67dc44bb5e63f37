package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/model"
)

const (
	// StreamName is the name of the ticket events stream.
	StreamName = "TICKETS"

	// SubjectPrefix is the prefix for all ticket subjects.
	SubjectPrefix = "tickets"
)

// StreamManager handles JetStream stream operations for ticket events.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the tickets stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Ticket lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for a ticket event.
func EventSubject(ticketID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, subjectToken(ticketID), eventType)
}

// TicketFilter returns the filter subject for all events of a ticket.
func TicketFilter(ticketID string) string {
	return fmt.Sprintf("%s.%s.event.>", SubjectPrefix, subjectToken(ticketID))
}

// subjectToken makes id safe to use as a single subject token.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

// PublishEvent publishes an event to JetStream and returns its stream
// sequence.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.TicketEvent) (uint64, error) {
	subject := EventSubject(event.TicketID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	opts := []jetstream.PublishOpt{}
	if event.ID != "" {
		opts = append(opts, jetstream.WithMsgID(event.ID))
	}
	ack, err := m.client.JetStream().Publish(ctx, subject, data, opts...)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	event.Sequence = ack.Sequence
	return ack.Sequence, nil
}

// GetEvents retrieves a ticket's events starting after a stream sequence.
func (m *StreamManager) GetEvents(ctx context.Context, ticketID string, afterSequence uint64, limit int) (*model.ListEventsResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, consumerConfig(ticketID, afterSequence))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	resp := &model.ListEventsResponse{Events: []model.TicketEvent{}, LastSequence: afterSequence}
	for msg := range batch.Messages() {
		event, err := decodeEvent(msg)
		if err != nil {
			m.client.logger.Warn("skipping undecodable ticket event", zap.String("subject", msg.Subject()), zap.Error(err))
			continue
		}
		resp.Events = append(resp.Events, event)
		resp.LastSequence = event.Sequence
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	resp.HasMore = len(resp.Events) == limit
	return resp, nil
}

// Watch delivers a ticket's events published after afterSequence until ctx is
// done. Readers stop on ctx; the channel is never closed.
func (m *StreamManager) Watch(ctx context.Context, ticketID string, afterSequence uint64) (<-chan model.TicketEvent, error) {
	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, consumerConfig(ticketID, afterSequence))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan model.TicketEvent, 16)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		event, err := decodeEvent(msg)
		if err != nil {
			m.client.logger.Warn("skipping undecodable ticket event", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		select {
		case out <- event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume events: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return out, nil
}

func consumerConfig(ticketID string, afterSequence uint64) jetstream.OrderedConsumerConfig {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{TicketFilter(ticketID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}
	return cfg
}

func decodeEvent(msg jetstream.Msg) (model.TicketEvent, error) {
	var event model.TicketEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		return event, err
	}
	if meta, err := msg.Metadata(); err == nil {
		event.Sequence = meta.Sequence.Stream
	}
	return event, nil
}
