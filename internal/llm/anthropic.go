package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/capitalize-ai/support-desk/internal/model"
)

const defaultAnthropicModel = "claude-3-5-sonnet-20241022"

// AnthropicClient is the Anthropic LLM client.
type AnthropicClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	m := cfg.Model
	if m == "" {
		m = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     m,
		maxTokens: maxTokens,
	}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// Models returns available models.
func (c *AnthropicClient) Models() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	}
}

// Complete sends a completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	m := req.Model
	if m == "" {
		m = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	system, messages := toAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(m)),
		MaxTokens: anthropic.F(int64(maxTokens)),
		Messages:  anthropic.F(messages),
	}
	if system != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{anthropic.NewTextBlock(system)})
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropic.F(toAnthropicTools(req.Tools))
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	out := &CompletionResponse{
		Model:      string(resp.Model),
		TokensIn:   int(resp.Usage.InputTokens),
		TokensOut:  int(resp.Usage.OutputTokens),
		StopReason: string(resp.StopReason),
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			out.Content += block.Text
		case anthropic.ContentBlockTypeToolUse:
			args, err := json.Marshal(block.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic tool input: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}
	return out, nil
}

// toAnthropicMessages splits out the system prompt and folds turns into the
// alternating user/assistant shape the Messages API expects. Tool results
// travel as user content blocks.
func toAnthropicMessages(turns []model.Turn) (string, []anthropic.MessageParam) {
	var system []string
	var messages []anthropic.MessageParam

	var role anthropic.MessageParamRole
	var blocks []anthropic.MessageParamContentUnion
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    anthropic.F(role),
			Content: anthropic.F(blocks),
		})
		blocks = nil
	}
	add := func(r anthropic.MessageParamRole, b ...anthropic.MessageParamContentUnion) {
		if r != role {
			flush()
			role = r
		}
		blocks = append(blocks, b...)
	}

	for _, t := range turns {
		switch t.Role {
		case model.RoleSystem:
			system = append(system, t.Content)
		case model.RoleUser:
			add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(t.Content))
		case model.RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(t.ToolCallID, t.Content, false))
		case model.RoleAssistant:
			var b []anthropic.MessageParamContentUnion
			if t.Content != "" {
				b = append(b, anthropic.NewTextBlock(t.Content))
			}
			for _, call := range t.ToolCalls {
				b = append(b, anthropic.NewToolUseBlockParam(call.ID, call.Name, toolInput(call.Arguments)))
			}
			if len(b) > 0 {
				add(anthropic.MessageParamRoleAssistant, b...)
			}
		}
	}
	flush()

	return strings.Join(system, "\n\n"), messages
}

func toAnthropicTools(schemas []ToolSchema) []anthropic.ToolParam {
	tools := make([]anthropic.ToolParam, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, anthropic.ToolParam{
			Name:        anthropic.F(s.Name),
			Description: anthropic.F(s.Description),
			InputSchema: anthropic.F[interface{}](s.Parameters),
		})
	}
	return tools
}

func toolInput(arguments string) json.RawMessage {
	if arguments == "" || !json.Valid([]byte(arguments)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(arguments)
}
