package store

import (
	"context"

	"github.com/capitalize-ai/support-desk/internal/model"
)

// InterruptedToolResult is the tool-result content synthesized for a tool call
// whose result was never persisted.
const InterruptedToolResult = `{"error":"tool call interrupted before a result was recorded"}`

// ReconstructTurns rebuilds the model-facing turn sequence for a ticket. The
// system turn is not included.
func (s *Store) ReconstructTurns(ctx context.Context, ticketID string) ([]model.Turn, error) {
	msgs, err := s.ListMessages(ctx, ticketID, 0, 0)
	if err != nil {
		return nil, err
	}
	return BuildTurns(msgs), nil
}

// BuildTurns converts persisted messages into turns. Every assistant tool-call
// turn is followed by exactly one result per call: missing results are
// synthesized and tool results that answer no pending call are dropped.
func BuildTurns(msgs []model.Message) []model.Turn {
	turns := make([]model.Turn, 0, len(msgs))

	var pending []model.ToolCall
	answered := map[string]bool{}

	closeRound := func() {
		for _, call := range pending {
			if answered[call.ID] {
				continue
			}
			turns = append(turns, model.Turn{
				Role:       model.RoleTool,
				Content:    InterruptedToolResult,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
		pending = nil
		answered = map[string]bool{}
	}

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleTool:
			if !isPending(pending, m.ToolCallID) || answered[m.ToolCallID] {
				continue
			}
			answered[m.ToolCallID] = true
			turns = append(turns, model.Turn{
				Role:       model.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       toolName(m),
			})
			continue
		}

		closeRound()
		turn := model.Turn{Role: m.Role, Content: m.Content}
		if m.Role == model.RoleAssistant && len(m.ToolCalls) > 0 {
			turn.ToolCalls = append([]model.ToolCall(nil), m.ToolCalls...)
			pending = turn.ToolCalls
		}
		turns = append(turns, turn)
	}
	closeRound()

	return turns
}

func isPending(pending []model.ToolCall, id string) bool {
	for _, call := range pending {
		if call.ID == id {
			return true
		}
	}
	return false
}

func toolName(m model.Message) string {
	if name, ok := m.Metadata[model.MetaToolName].(string); ok && name != "" {
		return name
	}
	return "unknown"
}
