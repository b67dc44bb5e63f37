// Package tools dispatches model tool calls to a closed set of handlers and
// keeps the tool-usage audit trail.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
)

// Name identifies a tool.
type Name string

const (
	LookupKnowledgebase Name = "lookup_knowledgebase"
	Note                Name = "note"
	Reply               Name = "reply"
	Escalate            Name = "escalate"
	Close               Name = "close"
	Python              Name = "python"
	WaitForReply        Name = "wait_for_reply"
)

// ErrPythonDisabled is returned for every python call.
var ErrPythonDisabled = errors.New("python execution is disabled: no sandbox is configured")

// LookupArgs are the arguments of lookup_knowledgebase.
type LookupArgs struct {
	Query string `json:"query"`
}

func (a LookupArgs) validate() error {
	if strings.TrimSpace(a.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

// NoteArgs are the arguments of note.
type NoteArgs struct {
	Text string `json:"text"`
}

func (a NoteArgs) validate() error {
	if strings.TrimSpace(a.Text) == "" {
		return errors.New("text is required")
	}
	return nil
}

// ReplyArgs are the arguments of reply.
type ReplyArgs struct {
	Body  string             `json:"body"`
	State model.TicketStatus `json:"state"`
}

func (a ReplyArgs) validate() error {
	if strings.TrimSpace(a.Body) == "" {
		return errors.New("body is required")
	}
	if a.State != model.StatusClosed && a.State != model.StatusWaitForReply {
		return fmt.Errorf("state must be %q or %q", model.StatusClosed, model.StatusWaitForReply)
	}
	return nil
}

// EscalateArgs are the arguments of escalate.
type EscalateArgs struct {
	IssueSummary string `json:"issue_summary"`
}

func (a EscalateArgs) validate() error {
	if strings.TrimSpace(a.IssueSummary) == "" {
		return errors.New("issue_summary is required")
	}
	return nil
}

// CloseArgs are the arguments of close.
type CloseArgs struct {
	Reason string `json:"reason"`
}

func (a CloseArgs) validate() error { return nil }

// PythonArgs are the arguments of python.
type PythonArgs struct {
	Code string `json:"code"`
}

func (a PythonArgs) validate() error {
	if a.Code == "" {
		return errors.New("code is required")
	}
	return nil
}

// WaitArgs are the arguments of wait_for_reply.
type WaitArgs struct {
	Note string `json:"note"`
}

func (a WaitArgs) validate() error { return nil }

// KnowledgeResult is one lookup_knowledgebase hit as shown to the model.
type KnowledgeResult struct {
	Rank      int    `json:"rank"`
	FilePath  string `json:"file_path"`
	Section   int    `json:"section"`
	Reference string `json:"reference"`
	Text      string `json:"text"`
}

func decodeArgs[T interface{ validate() error }](raw string) (T, error) {
	var args T
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := args.validate(); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

// ParseArgs decodes raw tool arguments into a map for storage. Unparseable
// input is kept verbatim under "_raw".
func ParseArgs(raw string) map[string]interface{} {
	args := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"_raw": raw}
	}
	return args
}

func stringParam(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

var schemas = map[Name]llm.ToolSchema{
	LookupKnowledgebase: {
		Name:        string(LookupKnowledgebase),
		Description: "Search the product documentation. Returns ranked sections with a reference to cite.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query": stringParam("What to search for."),
		}),
	},
	Note: {
		Name:        string(Note),
		Description: "Record an internal note on the ticket. The customer does not see it.",
		Parameters: objectSchema([]string{"text"}, map[string]any{
			"text": stringParam("The note."),
		}),
	},
	Reply: {
		Name:        string(Reply),
		Description: "Send a reply to the customer and set the ticket state. Ends your turn.",
		Parameters: objectSchema([]string{"body", "state"}, map[string]any{
			"body": stringParam("Message shown to the customer."),
			"state": map[string]any{
				"type":        "string",
				"enum":        []string{string(model.StatusClosed), string(model.StatusWaitForReply)},
				"description": "closed if the issue is resolved, wait_for_reply if you need the customer to answer.",
			},
		}),
	},
	Escalate: {
		Name:        string(Escalate),
		Description: "Hand the ticket to a human support engineer.",
		Parameters: objectSchema([]string{"issue_summary"}, map[string]any{
			"issue_summary": stringParam("Summary of the issue for the human engineer."),
		}),
	},
	Close: {
		Name:        string(Close),
		Description: "Close the ticket without replying.",
		Parameters: objectSchema([]string{"reason"}, map[string]any{
			"reason": stringParam("Why the ticket is being closed."),
		}),
	},
	Python: {
		Name:        string(Python),
		Description: "Run Python code for diagnostics.",
		Parameters: objectSchema([]string{"code"}, map[string]any{
			"code": stringParam("Python source."),
		}),
	},
	WaitForReply: {
		Name:        string(WaitForReply),
		Description: "Pause without replying or closing, waiting for the customer.",
		Parameters: objectSchema([]string{"note"}, map[string]any{
			"note": stringParam("What you are waiting for."),
		}),
	},
}

// advertised lists the tools offered to the model, in schema order.
var advertised = []Name{LookupKnowledgebase, Note, Reply, Escalate, Close, WaitForReply}

// Schemas returns the tool schemas offered to the model.
func Schemas() []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(advertised))
	for _, n := range advertised {
		out = append(out, schemas[n])
	}
	return out
}
