package relay

import (
	"fmt"
	"log/slog"
)

// RunContext is the view of a run handed to Enabled predicates.
type RunContext struct {
	Agent     string
	Turn      int
	SessionID string
	Tools     *ToolContext
}

type enabledKind uint8

const (
	enabledAlways enabledKind = iota
	enabledNever
	enabledWhen
)

// Enabled decides whether a tool or handoff target is offered in a turn.
// The zero value is Always.
type Enabled struct {
	kind enabledKind
	fn   func(RunContext) (bool, error)
}

// Always enables unconditionally.
func Always() Enabled { return Enabled{kind: enabledAlways} }

// Never disables unconditionally.
func Never() Enabled { return Enabled{kind: enabledNever} }

// When enables when fn returns true. A nil fn behaves like Always.
func When(fn func(RunContext) (bool, error)) Enabled {
	if fn == nil {
		return Always()
	}
	return Enabled{kind: enabledWhen, fn: fn}
}

// Eval evaluates the predicate. Errors and panics count as disabled and are
// logged at WARN on logger (nil logger discards).
func (e Enabled) Eval(rc RunContext, logger *slog.Logger) (ok bool) {
	switch e.kind {
	case enabledNever:
		return false
	case enabledWhen:
	default:
		return true
	}
	if logger == nil {
		logger = nopLogger
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("enabled predicate panicked", "agent", rc.Agent, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	ok, err := e.fn(rc)
	if err != nil {
		logger.Warn("enabled predicate failed", "agent", rc.Agent, "error", err)
		return false
	}
	return ok
}
