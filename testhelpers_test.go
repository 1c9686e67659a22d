package relay

import (
	"context"
	"encoding/json"
	"sync"
)

// --- Provider stub (shared across runner_test.go, retry_test.go, ratelimit_test.go) ---

type stubProvider struct {
	mu       sync.Mutex
	calls    int
	results  []stubResult
	requests []ChatRequest
}

type stubResult struct {
	resp   ChatResponse
	tokens []string // content fragments emitted on ch before returning
	err    error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) next(req ChatRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.Messages = append([]ChatMessage(nil), req.Messages...)
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{}
}

func (s *stubProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if ch != nil {
		defer close(ch)
	}
	r := s.next(req)
	var acc string
	for _, tok := range r.tokens {
		acc += tok
		Emit(ctx, ch, StreamEvent{Type: EventContent, Content: tok, Accumulated: acc})
	}
	return r.resp, r.err
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) request(i int) ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

var _ Provider = (*stubProvider)(nil)

func textResult(content string) stubResult {
	return stubResult{resp: ChatResponse{Content: content, FinishReason: "stop"}}
}

func toolCallsResult(calls ...ToolCall) stubResult {
	return stubResult{resp: ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}}
}

func mkCall(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(args), RawArgs: args}
}

// --- ContextStore stub ---

type memContextStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	loadErr error
}

func newMemContextStore() *memContextStore {
	return &memContextStore{data: make(map[string][]byte)}
}

func (m *memContextStore) SaveContext(_ context.Context, id string, snap ContextSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[id] = b
	m.mu.Unlock()
	return nil
}

func (m *memContextStore) LoadContext(_ context.Context, id string) (ContextSnapshot, bool, error) {
	if m.loadErr != nil {
		return ContextSnapshot{}, false, m.loadErr
	}
	m.mu.Lock()
	b, ok := m.data[id]
	m.mu.Unlock()
	if !ok {
		return ContextSnapshot{}, false, nil
	}
	var snap ContextSnapshot
	err := json.Unmarshal(b, &snap)
	return snap, err == nil, err
}

func (m *memContextStore) DeleteContext(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.data, id)
	m.mu.Unlock()
	return nil
}

func (m *memContextStore) Init(context.Context) error { return nil }
func (m *memContextStore) Close() error               { return nil }

var _ ContextStore = (*memContextStore)(nil)
