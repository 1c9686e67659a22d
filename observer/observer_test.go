package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/nevindra/relay"
)

type mockProvider struct {
	name   string
	tokens []string
	resp   relay.ChatResponse
	err    error
	model  string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) ChatStream(ctx context.Context, req relay.ChatRequest, ch chan<- relay.StreamEvent) (relay.ChatResponse, error) {
	if ch != nil {
		defer close(ch)
	}
	m.model = req.Model
	for _, tok := range m.tokens {
		relay.Emit(ctx, ch, relay.StreamEvent{Type: relay.EventContent, Content: tok})
	}
	return m.resp, m.err
}

// testInstruments builds instruments on the global no-op providers.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedProviderForwardsEvents(t *testing.T) {
	want := relay.ChatResponse{Content: "hello world", Usage: relay.Usage{InputTokens: 10, OutputTokens: 5}}
	inner := &mockProvider{name: "p", tokens: []string{"hello", " world"}, resp: want}
	op := WrapProvider(inner, "gpt-4o", testInstruments(t))

	if op.Name() != "p" {
		t.Errorf("Name = %q", op.Name())
	}
	ch := make(chan relay.StreamEvent, 1)
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			got = append(got, ev.Content)
		}
	}()
	resp, err := op.ChatStream(context.Background(), relay.ChatRequest{
		Tools: []relay.ToolDefinition{{Name: "add"}},
	}, ch)
	<-done
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != want.Content || resp.Usage != want.Usage {
		t.Errorf("resp = %+v", resp)
	}
	if len(got) != 2 || got[0] != "hello" {
		t.Errorf("events = %v", got)
	}
}

func TestObservedProviderNilChannel(t *testing.T) {
	inner := &mockProvider{name: "p", tokens: []string{"x"}, resp: relay.ChatResponse{Content: "x"}}
	op := WrapProvider(inner, "m", testInstruments(t))
	resp, err := op.ChatStream(context.Background(), relay.ChatRequest{Model: "agent-model"}, nil)
	if err != nil || resp.Content != "x" {
		t.Errorf("resp = %+v err = %v", resp, err)
	}
	if inner.model != "agent-model" {
		t.Errorf("request model = %q", inner.model)
	}
}

func TestObservedProviderError(t *testing.T) {
	wantErr := &relay.ErrHTTP{Status: 503}
	op := WrapProvider(&mockProvider{name: "p", err: wantErr}, "m", testInstruments(t))
	ch := make(chan relay.StreamEvent, 4)
	_, err := op.ChatStream(context.Background(), relay.ChatRequest{}, ch)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
	if _, open := <-ch; open {
		t.Error("channel not closed")
	}
}

func TestObservedTool(t *testing.T) {
	inst := testInstruments(t)
	ok := relay.NewFuncTool(relay.ToolDefinition{Name: "add"}, func(_ context.Context, args map[string]any) (any, error) {
		return args["a"], nil
	})
	failing := relay.NewFuncTool(relay.ToolDefinition{Name: "bad"}, func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("nope")
	})

	wrapped := WrapTools(inst, ok, failing)
	if wrapped[0].Definition().Name != "add" {
		t.Errorf("Definition = %+v", wrapped[0].Definition())
	}
	out, err := wrapped[0].Call(context.Background(), map[string]any{"a": 1.0})
	if err != nil || out != 1.0 {
		t.Errorf("Call = %v, %v", out, err)
	}
	if _, err := wrapped[1].Call(context.Background(), nil); err == nil || err.Error() != "nope" {
		t.Errorf("err = %v", err)
	}
}

func TestObservedToolInPipeline(t *testing.T) {
	inst := testInstruments(t)
	tool := WrapTool(relay.NewFuncTool(relay.ToolDefinition{Name: "echo"}, func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	}), inst)
	p := relay.NewPipeline(relay.NewToolRegistry(tool), nil, relay.PipelineTracer(NewTracer()))
	res, err := p.Execute(context.Background(), relay.NewToolContext(), relay.ToolCall{ID: "c1", Name: "echo", Args: []byte(`{"text":"hi"}`)})
	if err != nil || res.Content != "hi" {
		t.Errorf("res = %+v err = %v", res, err)
	}
}

type stubValidator struct{ err error }

func (s stubValidator) ValidateInput(context.Context, any) error  { return s.err }
func (s stubValidator) ValidateOutput(context.Context, any) error { return s.err }

func TestObservedValidator(t *testing.T) {
	inst := testInstruments(t)
	sec := &relay.SecurityError{Validator: "content_safety", Reason: relay.ReasonContentSafety}
	v := WrapValidator("safety", stubValidator{err: sec}, inst)
	if err := v.ValidateInput(context.Background(), "x"); !errors.Is(err, sec) {
		t.Errorf("ValidateInput = %v", err)
	}
	if err := WrapValidator("ok", stubValidator{}, inst).ValidateOutput(context.Background(), "x"); err != nil {
		t.Errorf("ValidateOutput = %v", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "pass"},
		{&relay.SecurityError{Reason: relay.ReasonRateLimit}, "security:rate_limit"},
		{&relay.ValidationError{Message: "bad"}, "invalid"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestTracerSpans(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "relay.run", relay.StringAttr("agent", "a"), relay.IntAttr("turn", 1))
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.SetAttr(relay.BoolAttr("ok", true), relay.Float64Attr("ratio", 0.5), relay.SpanAttr{Key: "names", Value: []string{"a"}})
	span.Event("handoff", relay.StringAttr("to", "b"))
	span.Error(nil)
	span.Error(errors.New("x"))
	span.End()
}

func TestToOTELAttr(t *testing.T) {
	tests := []struct {
		in   relay.SpanAttr
		want string
	}{
		{relay.StringAttr("k", "v"), "v"},
		{relay.IntAttr("k", 3), "3"},
		{relay.SpanAttr{Key: "k", Value: int64(4)}, "4"},
		{relay.BoolAttr("k", true), "true"},
		{relay.Float64Attr("k", 1.5), "1.5"},
		{relay.SpanAttr{Key: "k", Value: struct{ A int }{1}}, "{1}"},
	}
	for _, tt := range tests {
		kv := toOTELAttr(tt.in)
		if string(kv.Key) != "k" || kv.Value.Emit() != tt.want {
			t.Errorf("toOTELAttr(%v) = %v", tt.in.Value, kv.Value.Emit())
		}
	}
}

func TestInstrumentSetKeepsFirstError(t *testing.T) {
	first, second := errors.New("first"), errors.New("second")
	var set instrumentSet
	set.keep(nil)
	set.keep(first)
	set.keep(second)
	if set.err != first {
		t.Errorf("err = %v, want first", set.err)
	}
}

func TestNewInstrumentsOnNoopProviders(t *testing.T) {
	inst := testInstruments(t)
	if inst.TokenUsage == nil || inst.GuardChecks == nil || inst.ToolDuration == nil || inst.Cost == nil {
		t.Fatalf("instruments not populated: %+v", inst)
	}
}
