package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/service"
	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/metrics"
)

const (
	replayBatchSize          = 50
	defaultHeartbeatInterval = 30 * time.Second
)

// EventSource replays and follows a ticket's event feed.
type EventSource interface {
	GetEvents(ctx context.Context, ticketID string, afterSequence uint64, limit int) (*model.ListEventsResponse, error)
	Watch(ctx context.Context, ticketID string, afterSequence uint64) (<-chan model.TicketEvent, error)
}

// EventHandler handles SSE event endpoints.
type EventHandler struct {
	events    EventSource
	tickets   *service.TicketService
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewEventHandler creates a new event handler. events may be nil when the
// event feed is disabled.
func NewEventHandler(events EventSource, tickets *service.TicketService, log *logger.Logger) *EventHandler {
	return &EventHandler{
		events:    events,
		tickets:   tickets,
		logger:    log,
		heartbeat: defaultHeartbeatInterval,
	}
}

// ReplayCompleteEvent marks the end of event replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// Stream handles GET /api/v1/tickets/:id/events
// Supports ?after_sequence=N for resuming from a specific point.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ticketID, ok := ticketParam(w, r)
	if !ok {
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed is disabled")
		return
	}
	if _, err := h.tickets.Get(ctx, ticketID); err != nil {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithTicket(ticketID)
	_ = sendSSEEvent(w, flusher, "connected", map[string]string{
		"ticket_id": ticketID,
	})

	lastSequence := afterSequence
	var replayed int
	for {
		resp, err := h.events.GetEvents(ctx, ticketID, lastSequence, replayBatchSize)
		if err != nil {
			log.Error("failed to replay events", zap.Error(err))
			_ = sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
				Code:    "replay_error",
				Message: "Failed to replay events",
			})
			return
		}
		for _, ev := range resp.Events {
			if ctx.Err() != nil {
				return
			}
			_ = sendSSEEvent(w, flusher, string(ev.Type), ev)
			lastSequence = ev.Sequence
			replayed++
		}
		if !resp.HasMore || len(resp.Events) == 0 {
			break
		}
	}

	_ = sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: lastSequence,
		EventCount:   replayed,
	})
	log.Debug("event replay complete",
		zap.Int("events_replayed", replayed),
		zap.Uint64("last_sequence", lastSequence),
	)

	live, err := h.events.Watch(ctx, ticketID, lastSequence)
	if err != nil {
		log.Error("failed to watch events", zap.Error(err))
		_ = sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "watch_error",
			Message: "Failed to follow events",
		})
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			_ = sendSSEEvent(w, flusher, string(ev.Type), ev)
		case <-heartbeat.C:
			_ = sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
