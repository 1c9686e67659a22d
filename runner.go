package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxParallelDispatch bounds concurrent tool calls within one turn.
const maxParallelDispatch = 10

// ToolErrorPolicy decides what a failed tool call does to the run.
type ToolErrorPolicy int

const (
	// FeedBackToolErrors sends "error: <msg>" back to the model as the tool
	// result so it can recover.
	FeedBackToolErrors ToolErrorPolicy = iota
	// AbortOnToolError fails the run with the pipeline error.
	AbortOnToolError
)

// RunState is the state of the turn state machine.
type RunState string

const (
	StateRunning        RunState = "running"
	StateHandoffPending RunState = "handoff-pending"
	StateCompleted      RunState = "completed"
	StateFailed         RunState = "failed"
)

// RunRequest starts a run. An empty Agent selects the first registered
// agent; an empty SessionID uses the default session.
type RunRequest struct {
	Agent     string
	Messages  []ChatMessage
	SessionID string
}

// HandoffRecord describes one transfer of control.
type HandoffRecord struct {
	From string
	To   string
	Turn int // the source agent's turn that requested it
}

// RunResult is the outcome of a run. It is populated on failure too.
type RunResult struct {
	// Messages is the full conversation, untrimmed.
	Messages []ChatMessage
	// Agent is the agent that was active when the run ended.
	Agent string
	// Content is the final assistant content.
	Content string
	// Turns counts the final agent's turns; it resets on handoff.
	Turns int
	// TotalTurns counts every model call in the run.
	TotalTurns int
	State      RunState
	Handoffs   []HandoffRecord
	Usage      Usage
}

// Runner drives runs: it calls the model turn by turn, dispatches tool calls
// through the guardrail pipeline and follows handoffs between agents.
type Runner struct {
	provider Provider

	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string

	guards      *GuardrailChain
	contexts    *ContextManager
	window      *WindowManager
	logger      *slog.Logger
	tracer      Tracer
	parallel    bool
	errPolicy   ToolErrorPolicy
	turnTimeout time.Duration
	scanner     HandoffScanner
	maxTokens   int
	maxTotal    int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAgents registers agents.
func WithAgents(agents ...*Agent) RunnerOption {
	return func(r *Runner) {
		for _, a := range agents {
			r.register(a)
		}
	}
}

// WithGuardrails sets the chain applied around every tool call.
func WithGuardrails(c *GuardrailChain) RunnerOption {
	return func(r *Runner) { r.guards = c }
}

// WithContextManager sets the session registry. Default: a fresh in-memory one.
func WithContextManager(m *ContextManager) RunnerOption {
	return func(r *Runner) { r.contexts = m }
}

// WithWindow trims the conversation before every model call.
func WithWindow(policy WindowPolicy, opts ...WindowOption) RunnerOption {
	return func(r *Runner) { r.window = NewWindowManager(policy, opts...) }
}

// WithWindowManager uses a prebuilt window manager.
func WithWindowManager(w *WindowManager) RunnerOption {
	return func(r *Runner) { r.window = w }
}

func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

func WithTracer(t Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithParallelTools runs the tool calls of one turn concurrently, at most
// 10 at a time. Calls to the same tool still serialize on its lock.
func WithParallelTools(enabled bool) RunnerOption {
	return func(r *Runner) { r.parallel = enabled }
}

func WithToolErrorPolicy(p ToolErrorPolicy) RunnerOption {
	return func(r *Runner) { r.errPolicy = p }
}

// WithTurnTimeout bounds each model call. Expiry fails the run.
func WithTurnTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.turnTimeout = d }
}

// WithHandoffScanner replaces the default LiteralScanner.
func WithHandoffScanner(s HandoffScanner) RunnerOption {
	return func(r *Runner) { r.scanner = s }
}

// WithMaxTokens sets max_tokens on every request.
func WithMaxTokens(n int) RunnerOption {
	return func(r *Runner) { r.maxTokens = n }
}

// WithMaxTotalTurns caps model calls across the whole run, handoffs
// included. Reaching it fails the run with a *TurnLimitError whose Total is
// set. Zero means no cap.
func WithMaxTotalTurns(n int) RunnerOption {
	return func(r *Runner) { r.maxTotal = n }
}

func NewRunner(p Provider, opts ...RunnerOption) *Runner {
	r := &Runner{provider: p, agents: make(map[string]*Agent)}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	if r.contexts == nil {
		r.contexts = NewContextManager(WithContextLogger(r.logger))
	}
	if r.scanner == nil {
		r.scanner = LiteralScanner{}
	}
	return r
}

// Register adds or replaces an agent. Safe for concurrent use.
func (r *Runner) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(a)
}

func (r *Runner) register(a *Agent) {
	if _, ok := r.agents[a.Name()]; !ok {
		r.order = append(r.order, a.Name())
	}
	r.agents[a.Name()] = a
}

// Agent returns a registered agent.
func (r *Runner) Agent(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" && len(r.order) > 0 {
		name = r.order[0]
	}
	a, ok := r.agents[name]
	return a, ok
}

// Contexts returns the session registry.
func (r *Runner) Contexts() *ContextManager { return r.contexts }

// Run executes a run to completion.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return r.RunStream(ctx, req, nil)
}

// RunStream executes a run, sending events to ch as they happen. ch is
// closed when the run ends; it may be nil.
func (r *Runner) RunStream(ctx context.Context, req RunRequest, ch chan<- StreamEvent) (res RunResult, err error) {
	if ch != nil {
		defer close(ch)
	}

	early := func(res RunResult, e error) (RunResult, error) {
		r.logger.Error("run failed", "agent", res.Agent, "error", e)
		Emit(ctx, ch, StreamEvent{Type: EventRunFinish, Agent: res.Agent, Content: e.Error(), IsError: true})
		return res, e
	}
	agent, ok := r.Agent(req.Agent)
	if !ok {
		return early(RunResult{State: StateFailed}, fmt.Errorf("%w: %q", ErrUnknownAgent, req.Agent))
	}
	tctx, err := r.contexts.Get(ctx, req.SessionID)
	if err != nil {
		return early(RunResult{Agent: agent.Name(), State: StateFailed}, fmt.Errorf("load session: %w", err))
	}

	ctx, span := startSpan(ctx, r.tracer, "relay.run",
		StringAttr("agent", agent.Name()),
		StringAttr("session", sessionKey(req.SessionID)))
	defer span.End()

	res = RunResult{
		Messages: append([]ChatMessage(nil), req.Messages...),
		Agent:    agent.Name(),
		State:    StateRunning,
	}
	defer func() {
		if saveErr := r.contexts.Save(context.WithoutCancel(ctx), req.SessionID); saveErr != nil {
			r.logger.Warn("session save failed", "session", sessionKey(req.SessionID), "error", saveErr)
		}
		finish := StreamEvent{Type: EventRunFinish, Agent: res.Agent, Turn: res.Turns, Content: res.Content}
		if err != nil {
			finish.Content = err.Error()
			finish.IsError = true
			span.Error(err)
		}
		span.SetAttr(IntAttr("turns", res.TotalTurns), StringAttr("state", string(res.State)))
		Emit(ctx, ch, finish)
	}()
	fail := func(e error) (RunResult, error) {
		res.State = StateFailed
		r.logger.Error("run failed", "agent", res.Agent, "turn", res.Turns, "error", e)
		return res, e
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if res.Turns >= agent.MaxTurns() {
			return fail(&TurnLimitError{Agent: agent.Name(), MaxTurns: agent.MaxTurns()})
		}
		if r.maxTotal > 0 && res.TotalTurns >= r.maxTotal {
			return fail(&TurnLimitError{Agent: agent.Name(), MaxTurns: r.maxTotal, Total: true})
		}
		res.Turns++
		res.TotalTurns++
		rc := RunContext{Agent: agent.Name(), Turn: res.Turns, SessionID: sessionKey(req.SessionID), Tools: tctx}
		Emit(ctx, ch, StreamEvent{Type: EventTurnStart, Agent: agent.Name(), Turn: res.Turns})

		res.Messages = withInstructions(res.Messages, agent.Instructions())
		tools := NewToolRegistry(agent.Tools().Enabled(rc, r.logger)...)

		resp, err := r.turn(ctx, agent, rc, tools, res.Messages, ch)
		if err != nil {
			return fail(fmt.Errorf("agent %s turn %d: %w", agent.Name(), res.Turns, err))
		}
		res.Usage = res.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) > 0 {
			calls := make([]ToolCall, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				tc.ID = callID(tc.ID)
				calls[i] = tc
			}
			res.Messages = append(res.Messages, ChatMessage{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls})

			results, err := r.dispatch(ctx, tctx, tools, rc, calls, ch)
			if err != nil {
				return fail(err)
			}
			for _, tr := range results {
				msg := ToolResultMessage(tr.CallID, tr.Content)
				msg.Name = tr.Name
				res.Messages = append(res.Messages, msg)
			}
			continue
		}

		if target, ok := r.scanner.Scan(resp.Content); ok {
			if next, ok := r.resolveHandoff(agent, target, rc); ok {
				res.State = StateHandoffPending
				res.Messages = append(res.Messages, AssistantMessage(resp.Content))
				res.Handoffs = append(res.Handoffs, HandoffRecord{From: agent.Name(), To: next.Name(), Turn: res.Turns})
				r.logger.Info("handoff", "from", agent.Name(), "to", next.Name(), "turn", res.Turns)
				span.Event("handoff", StringAttr("from", agent.Name()), StringAttr("to", next.Name()))
				Emit(ctx, ch, StreamEvent{Type: EventHandoff, Agent: agent.Name(), Turn: res.Turns, Name: next.Name()})

				agent = next
				res.Agent = next.Name()
				res.Turns = 0
				res.State = StateRunning
				continue
			}
			r.logger.Warn("handoff target not resolved", "agent", agent.Name(), "target", target)
		}

		res.Messages = append(res.Messages, AssistantMessage(resp.Content))
		res.Content = resp.Content
		res.State = StateCompleted
		r.logger.Debug("run completed", "agent", agent.Name(), "turns", res.Turns, "total_turns", res.TotalTurns)
		return res, nil
	}
}

// resolveHandoff returns the target agent when from declares and enables
// the handoff and the target is registered.
func (r *Runner) resolveHandoff(from *Agent, target string, rc RunContext) (*Agent, bool) {
	if !from.canHandOffTo(target, rc, r.logger) {
		return nil, false
	}
	r.mu.RLock()
	next, ok := r.agents[target]
	r.mu.RUnlock()
	return next, ok
}

// withInstructions makes messages start with the agent's system message,
// replacing a previous agent's. Empty instructions leave messages unchanged.
func withInstructions(messages []ChatMessage, instructions string) []ChatMessage {
	if instructions == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		if messages[0].Content == instructions {
			return messages
		}
		out := append([]ChatMessage(nil), messages...)
		out[0] = SystemMessage(instructions)
		return out
	}
	return append([]ChatMessage{SystemMessage(instructions)}, messages...)
}

// turn performs one model call for agent.
func (r *Runner) turn(ctx context.Context, agent *Agent, rc RunContext, tools *ToolRegistry, messages []ChatMessage, ch chan<- StreamEvent) (ChatResponse, error) {
	ctx, span := startSpan(ctx, r.tracer, "relay.turn",
		StringAttr("agent", agent.Name()),
		IntAttr("turn", rc.Turn))
	defer span.End()

	sent := messages
	if r.window != nil {
		wr, err := r.window.Trim(ctx, agent.Model(), messages)
		if err != nil {
			span.Error(err)
			return ChatResponse{}, fmt.Errorf("trim window: %w", err)
		}
		sent = wr.Messages
		span.SetAttr(IntAttr("window.dropped", wr.Dropped), IntAttr("window.cost", wr.EstimatedCost))
	}

	var defs []ToolDefinition
	for _, name := range tools.Names() {
		t, _ := tools.Get(name)
		defs = append(defs, t.Definition())
	}
	req := ChatRequest{
		Model:     agent.Model(),
		Messages:  sent,
		Tools:     defs,
		MaxTokens: r.maxTokens,
	}
	if len(defs) > 0 {
		req.ToolChoice = agent.ToolChoice()
	}

	callCtx := ctx
	if r.turnTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.turnTimeout)
		defer cancel()
	}

	resp, err := r.stream(callCtx, req, agent.Name(), rc.Turn, ch)
	if err != nil {
		if r.turnTimeout > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("model call exceeded turn timeout %s: %w", r.turnTimeout, err)
		}
		span.Error(err)
		return ChatResponse{}, err
	}

	if r.window != nil && resp.Usage.InputTokens > 0 {
		if rec, ok := r.window.Estimator().(UsageRecorder); ok {
			rec.RecordUsage(agent.Model(), sent, defs, resp.Usage.InputTokens)
		}
	}
	span.SetAttr(
		IntAttr("tokens.input", resp.Usage.InputTokens),
		IntAttr("tokens.output", resp.Usage.OutputTokens),
		IntAttr("tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

// stream calls the provider, forwarding its events to ch tagged with the
// agent and turn. The provider closes its channel before returning.
func (r *Runner) stream(ctx context.Context, req ChatRequest, agent string, turn int, ch chan<- StreamEvent) (ChatResponse, error) {
	if ch == nil {
		return r.provider.ChatStream(ctx, req, nil)
	}
	events := make(chan StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			ev.Agent = agent
			ev.Turn = turn
			Emit(ctx, ch, ev)
		}
	}()
	resp, err := r.provider.ChatStream(ctx, req, events)
	<-done
	return resp, err
}

// dispatch runs the turn's tool calls through the pipeline and returns one
// result per call in request order.
func (r *Runner) dispatch(ctx context.Context, tctx *ToolContext, tools *ToolRegistry, rc RunContext, calls []ToolCall, ch chan<- StreamEvent) ([]ToolResult, error) {
	pipe := NewPipeline(tools, r.guards, PipelineLogger(r.logger), PipelineTracer(r.tracer))
	results := make([]ToolResult, len(calls))
	errs := make([]error, len(calls))

	run := func(ctx context.Context, i int) error {
		c := calls[i]
		Emit(ctx, ch, StreamEvent{Type: EventToolCallStart, Agent: rc.Agent, Turn: rc.Turn, Name: c.Name, Args: c.Args})
		results[i], errs[i] = pipe.Execute(ctx, tctx, c)
		Emit(ctx, ch, StreamEvent{
			Type:    EventToolCallResult,
			Agent:   rc.Agent,
			Turn:    rc.Turn,
			Name:    c.Name,
			Content: results[i].Content,
			IsError: results[i].IsError,
		})
		if errs[i] != nil && r.errPolicy == AbortOnToolError {
			return errs[i]
		}
		return nil
	}

	if !r.parallel || len(calls) == 1 {
		for i := range calls {
			if err := run(ctx, i); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDispatch)
	for i := range calls {
		g.Go(func() error { return run(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		// report the first failure in request order
		for _, e := range errs {
			if e != nil {
				return nil, e
			}
		}
		return nil, err
	}
	return results, nil
}
