package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type (
	toolCallKey    struct{}
	toolContextKey struct{}
)

// withToolCall returns a context carrying the call being dispatched.
func withToolCall(ctx context.Context, call ToolCall) context.Context {
	return context.WithValue(ctx, toolCallKey{}, call)
}

// ToolCallFromContext returns the tool call being dispatched, if any.
// Validators use it to apply per-tool policy.
func ToolCallFromContext(ctx context.Context) (ToolCall, bool) {
	call, ok := ctx.Value(toolCallKey{}).(ToolCall)
	return call, ok
}

// ToolContextFromContext returns the session context of the call being
// dispatched. Tools use it for state that outlives a single call; guard
// read-modify-write sequences with WithLock.
func ToolContextFromContext(ctx context.Context) (*ToolContext, bool) {
	tc, ok := ctx.Value(toolContextKey{}).(*ToolContext)
	return tc, ok
}

// Pipeline executes one tool call: argument parsing, input guardrails,
// per-tool locking, execution, output guardrails and history recording.
type Pipeline struct {
	tools  *ToolRegistry
	guards *GuardrailChain
	logger *slog.Logger
	tracer Tracer
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

func PipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

func PipelineTracer(t Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline creates a pipeline over tools. guards may be nil.
func NewPipeline(tools *ToolRegistry, guards *GuardrailChain, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{tools: tools, guards: guards}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// Execute dispatches call against tctx.
//
// Guardrail rejections of the input are returned unchanged. Tool failures,
// panics, unknown tools and output rejections are returned as
// *ToolExecutionError. Every outcome is appended to tctx's history. On error
// the returned ToolResult is still populated, with IsError set and an
// "error: ..." content suitable for feeding back to the model.
func (p *Pipeline) Execute(ctx context.Context, tctx *ToolContext, call ToolCall) (ToolResult, error) {
	if tctx == nil {
		tctx = NewToolContext()
	}
	ctx, span := startSpan(ctx, p.tracer, "tool.execute",
		StringAttr("tool.name", call.Name),
		StringAttr("tool.call_id", call.ID))
	defer span.End()

	rec := ExecutionRecord{
		Tool:      call.Name,
		CallID:    call.ID,
		Input:     rawArgs(call),
		Timestamp: time.Now().UTC(),
	}
	fail := func(err error) (ToolResult, error) {
		rec.Error = err.Error()
		tctx.Record(rec)
		span.Error(err)
		p.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return ToolResult{
			CallID:   call.ID,
			Name:     call.Name,
			Content:  "error: " + err.Error(),
			IsError:  true,
			Duration: rec.Duration,
		}, err
	}

	tool, ok := p.tools.Get(call.Name)
	if !ok {
		return fail(&ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: ErrUnknownTool})
	}

	args, err := parseArgs(rec.Input)
	if err != nil {
		return fail(err)
	}

	ctx = withToolCall(ctx, call)
	ctx = context.WithValue(ctx, toolContextKey{}, tctx)
	if err := safeValidate(func() error { return p.guards.ValidateInput(ctx, args) }); err != nil {
		return fail(err)
	}

	out, err := p.invoke(ctx, tctx, tool, call.Name, args, &rec.Duration)
	if err != nil {
		return fail(&ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: err})
	}

	content, err := resultText(out)
	if err != nil {
		return fail(&ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: err})
	}
	rec.Output = content
	rec.Success = true
	tctx.Record(rec)

	span.SetAttr(IntAttr("tool.duration_ms", int(rec.Duration.Milliseconds())))
	p.logger.Debug("tool call succeeded", "tool", call.Name, "call_id", call.ID, "duration", rec.Duration)
	return ToolResult{CallID: call.ID, Name: call.Name, Content: content, Duration: rec.Duration}, nil
}

// invoke runs the tool and its output guardrails under the per-tool lock.
func (p *Pipeline) invoke(ctx context.Context, tctx *ToolContext, tool Tool, name string, args map[string]any, took *time.Duration) (any, error) {
	unlock := tctx.Lock("tool:" + name)
	defer unlock()
	start := time.Now()
	out, err := safeCall(ctx, tool, args)
	*took = time.Since(start)
	if err != nil {
		return nil, err
	}
	return out, safeValidate(func() error { return p.guards.ValidateOutput(ctx, out) })
}

// safeValidate runs a guardrail check, converting a panic into an error.
func safeValidate(check func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return check()
}

// safeCall runs the tool, converting a panic into an error.
func safeCall(ctx context.Context, t Tool, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Call(ctx, args)
}

func rawArgs(call ToolCall) string {
	if call.RawArgs != "" {
		return call.RawArgs
	}
	return string(call.Args)
}

// parseArgs decodes tool arguments. Empty input means no arguments.
func parseArgs(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ValidationError{
			Stage:     StageInput,
			Validator: "arguments",
			Path:      "$",
			Message:   "arguments are not a JSON object: " + err.Error(),
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// resultText renders a tool result as message content.
func resultText(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
