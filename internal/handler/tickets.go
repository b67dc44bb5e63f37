// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/middleware"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/internal/service"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

// TicketHandler handles ticket endpoints.
type TicketHandler struct {
	tickets  *service.TicketService
	messages *service.MessageService
	logger   *logger.Logger
}

// NewTicketHandler creates a new ticket handler.
func NewTicketHandler(tickets *service.TicketService, messages *service.MessageService, log *logger.Logger) *TicketHandler {
	return &TicketHandler{
		tickets:  tickets,
		messages: messages,
		logger:   log,
	}
}

// List handles GET /api/v1/tickets
func (h *TicketHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if err := middleware.ValidateStatus(status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.tickets.List(r.Context(), model.TicketStatus(status), intParam(r, "limit", 0))
	if err != nil {
		h.logger.Error("failed to list tickets", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tickets")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/tickets/:id
func (h *TicketHandler) Get(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketParam(w, r)
	if !ok {
		return
	}
	t, err := h.tickets.Get(r.Context(), ticketID)
	if err != nil {
		h.fail(w, err, ticketID, "failed to get ticket")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Messages handles GET /api/v1/tickets/:id/messages
func (h *TicketHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketParam(w, r)
	if !ok {
		return
	}
	resp, err := h.tickets.Messages(r.Context(), ticketID, intParam(r, "after_sequence", 0), intParam(r, "limit", 0))
	if err != nil {
		h.fail(w, err, ticketID, "failed to get messages")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ToolUsage handles GET /api/v1/tickets/:id/tool-usage
func (h *TicketHandler) ToolUsage(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketParam(w, r)
	if !ok {
		return
	}
	recs, err := h.tickets.ToolUsage(r.Context(), ticketID)
	if err != nil {
		h.fail(w, err, ticketID, "failed to get tool usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tool_usage": recs})
}

// Summary handles GET /api/v1/tickets/:id/summary
func (h *TicketHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketParam(w, r)
	if !ok {
		return
	}
	sum, err := h.tickets.Summary(r.Context(), ticketID)
	if err != nil {
		h.fail(w, err, ticketID, "failed to summarize ticket")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Send handles POST /api/v1/tickets/:id/messages
func (h *TicketHandler) Send(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketParam(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateCustomer(req.Name, req.Email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.messages.Send(r.Context(), ticketID, &req)
	if err != nil {
		h.fail(w, err, ticketID, "failed to process message")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// EvictAgent handles DELETE /api/v1/tickets/:id/agent
func (h *TicketHandler) EvictAgent(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketParam(w, r)
	if !ok {
		return
	}
	if !h.messages.Evict(ticketID) {
		writeError(w, http.StatusNotFound, "no active agent for ticket")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/v1/search
func (h *TicketHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	res, err := h.tickets.Search(r.Context(), q, intParam(r, "limit", 0))
	if err != nil {
		h.logger.Error("failed to search", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": res})
}

func (h *TicketHandler) fail(w http.ResponseWriter, err error, ticketID, message string) {
	switch {
	case errors.Is(err, service.ErrTicketNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, service.ErrTicketEscalated):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(message, zap.String("ticket_id", ticketID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, message)
	}
}

func ticketParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateTicketID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
