package relay

import (
	"context"
	"encoding/json"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTurnStart signals a new model call for the current agent.
	EventTurnStart StreamEventType = "turn-start"
	// EventContent carries a content fragment and the accumulated content so far.
	EventContent StreamEventType = "content"
	// EventToolCallDelta carries a snapshot of every tool call accumulated so far.
	EventToolCallDelta StreamEventType = "tool-call-delta"
	// EventFinish carries the finish reason with the accumulated content and tool calls.
	EventFinish StreamEventType = "finish"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart StreamEventType = "tool-call-start"
	// EventToolCallResult carries the result of a completed tool call.
	EventToolCallResult StreamEventType = "tool-call-result"
	// EventHandoff signals control moved to another agent.
	EventHandoff StreamEventType = "handoff"
	// EventRunFinish is the last event of a run.
	EventRunFinish StreamEventType = "run-finish"
)

// StreamEvent is a typed event emitted while a run streams.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// Agent is the agent active when the event was produced.
	Agent string `json:"agent,omitempty"`
	// Turn is the current agent's turn number.
	Turn int `json:"turn,omitempty"`
	// Name is the tool name (tool events) or target agent (handoff).
	Name string `json:"name,omitempty"`
	// Content carries the content fragment (content), the tool result
	// (tool-call-result) or the final content (run-finish).
	Content string `json:"content,omitempty"`
	// Accumulated is the content received so far in this turn.
	Accumulated string `json:"accumulated,omitempty"`
	// ToolCalls is the accumulated tool-call snapshot (tool-call-delta, finish).
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
	// FinishReason is set on finish events.
	FinishReason string `json:"finish_reason,omitempty"`
	// Args carries the tool call arguments (tool-call-start only).
	Args json.RawMessage `json:"args,omitempty"`
	// IsError marks a failed tool call (tool-call-result only).
	IsError bool `json:"is_error,omitempty"`
}

// ToolCallDelta is the in-progress accumulation of one streamed tool call.
// Arguments stay raw text until the stream ends.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Emit sends ev on ch unless ch is nil. It gives up when ctx is done and
// reports whether the event was delivered.
func Emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
