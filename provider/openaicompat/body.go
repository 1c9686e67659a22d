package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/relay"
)

// BuildBody converts a relay request into a streaming chat completions body.
// An empty req.Model falls back to defaultModel.
func BuildBody(req relay.ChatRequest, defaultModel string, opts ...Option) ChatRequest {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	body := ChatRequest{
		Model:     model,
		Messages:  BuildMessages(req.Messages),
		Stream:    true,
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
		if req.ToolChoice != "" {
			body.ToolChoice = req.ToolChoice
		}
	}
	for _, o := range opts {
		o(&body)
	}
	return body
}

// BuildMessages converts relay messages to the wire format. System messages
// stay in the array with role "system".
func BuildMessages(messages []relay.ChatMessage) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		msg := Message{Role: m.Role, Content: m.Content}
		switch m.Role {
		case relay.RoleAssistant:
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
					ID:       tc.ID,
					Type:     "function",
					Function: FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
		case relay.RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		}
		out = append(out, msg)
	}
	return out
}

// BuildToolDefs converts relay tool definitions to function tools.
func BuildToolDefs(tools []relay.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
