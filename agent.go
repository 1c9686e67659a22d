package relay

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// DefaultMaxTurns is the turn budget of an agent created without WithMaxTurns.
const DefaultMaxTurns = 10

// Agent is one participant of a run: a model, instructions, tools and the
// agents it may hand control to. Agents are immutable after construction
// except for AddHandoff.
type Agent struct {
	name         string
	model        string
	instructions string
	tools        *ToolRegistry
	maxTurns     int
	toolChoice   string

	mu       sync.RWMutex
	handoffs []Handoff
}

// Handoff names an agent control may be transferred to. Enabled decides
// whether the target is accepted in a given turn.
type Handoff struct {
	Target  string
	Enabled Enabled
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithModel sets the model identifier sent with every request. Empty falls
// back to the provider's default model.
func WithModel(model string) AgentOption {
	return func(a *Agent) { a.model = model }
}

// WithInstructions sets the system message.
func WithInstructions(text string) AgentOption {
	return func(a *Agent) { a.instructions = text }
}

// WithTools registers tools on the agent.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.tools.Add(t)
		}
	}
}

// WithHandoffs declares agents this agent may hand off to. A handoff resets
// the turn budget, so agents that hand off to each other can loop; bound the
// run with the runner's WithMaxTotalTurns.
func WithHandoffs(targets ...string) AgentOption {
	return func(a *Agent) {
		for _, t := range targets {
			a.handoffs = append(a.handoffs, Handoff{Target: t})
		}
	}
}

// WithConditionalHandoff declares a handoff target gated by enabled.
func WithConditionalHandoff(target string, enabled Enabled) AgentOption {
	return func(a *Agent) { a.handoffs = append(a.handoffs, Handoff{Target: target, Enabled: enabled}) }
}

// WithMaxTurns sets the turn budget. Values below 1 keep the default.
func WithMaxTurns(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxTurns = n
		}
	}
}

// WithToolChoice sets the tool_choice sent with requests ("auto", "none",
// "required"). Empty leaves it to the backend.
func WithToolChoice(choice string) AgentOption {
	return func(a *Agent) { a.toolChoice = choice }
}

func NewAgent(name string, opts ...AgentOption) *Agent {
	a := &Agent{
		name:     name,
		tools:    NewToolRegistry(),
		maxTurns: DefaultMaxTurns,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Agent) Name() string         { return a.name }
func (a *Agent) Model() string        { return a.model }
func (a *Agent) Instructions() string { return a.instructions }
func (a *Agent) MaxTurns() int        { return a.maxTurns }
func (a *Agent) ToolChoice() string   { return a.toolChoice }
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// AddHandoff declares another handoff target. Safe to call while runs are
// in progress; later turns see the new target.
func (a *Agent) AddHandoff(h Handoff) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.handoffs {
		if existing.Target == h.Target {
			a.handoffs[i] = h
			return
		}
	}
	a.handoffs = append(a.handoffs, h)
}

// Handoffs returns a copy of the declared handoff targets.
func (a *Agent) Handoffs() []Handoff {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.handoffs)
}

// canHandOffTo reports whether target is a declared and enabled handoff.
func (a *Agent) canHandOffTo(target string, rc RunContext, logger *slog.Logger) bool {
	for _, h := range a.Handoffs() {
		if h.Target == target {
			return h.Enabled.Eval(rc, logger)
		}
	}
	return false
}

// nopLogger is a logger that discards all output. Used when no logger is set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
