package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/relay"
)

// ParseResponse converts a non-streamed response. Some servers ignore
// stream=true and answer with a single JSON document.
func ParseResponse(resp ChatResponse) relay.ChatResponse {
	var out relay.ChatResponse
	if resp.Usage != nil {
		out.Usage = relay.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	return out
}

// ParseToolCalls converts wire tool calls. Arguments that are not valid JSON
// become {} with the original text kept in RawArgs.
func ParseToolCalls(tcs []ToolCallRequest) []relay.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]relay.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, toolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return out
}

func toolCall(id, name, raw string) relay.ToolCall {
	args := json.RawMessage(raw)
	if raw == "" || !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}
	return relay.ToolCall{ID: id, Name: name, Args: args, RawArgs: raw}
}
