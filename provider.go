package relay

import "context"

// Provider abstracts the LLM backend. One ChatStream call is one turn.
type Provider interface {
	// ChatStream streams decoded events into ch and returns the fully
	// reassembled response. The provider closes ch before returning;
	// ch may be nil, in which case no events are sent.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}
