package relay

import (
	"errors"
	"testing"
)

func TestNewAgentDefaults(t *testing.T) {
	a := NewAgent("triage")
	if a.Name() != "triage" || a.MaxTurns() != DefaultMaxTurns {
		t.Errorf("agent = %+v", a)
	}
	if a.Tools() == nil || len(a.Tools().Names()) != 0 {
		t.Errorf("tools = %v", a.Tools())
	}
	if a.ToolChoice() != "" || a.Model() != "" {
		t.Errorf("unexpected defaults: choice=%q model=%q", a.ToolChoice(), a.Model())
	}
}

func TestWithMaxTurnsIgnoresNonPositive(t *testing.T) {
	for _, n := range []int{0, -3} {
		if got := NewAgent("a", WithMaxTurns(n)).MaxTurns(); got != DefaultMaxTurns {
			t.Errorf("WithMaxTurns(%d) = %d", n, got)
		}
	}
	if got := NewAgent("a", WithMaxTurns(3)).MaxTurns(); got != 3 {
		t.Errorf("MaxTurns = %d, want 3", got)
	}
}

func TestAgentHandoffs(t *testing.T) {
	a := NewAgent("a", WithHandoffs("b", "c"))
	rc := RunContext{Agent: "a", Turn: 1}

	tests := []struct {
		target string
		want   bool
	}{
		{"b", true},
		{"c", true},
		{"d", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := a.canHandOffTo(tt.target, rc, nopLogger); got != tt.want {
			t.Errorf("canHandOffTo(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}

	a.AddHandoff(Handoff{Target: "b", Enabled: Never()})
	if a.canHandOffTo("b", rc, nopLogger) {
		t.Error("AddHandoff did not replace the existing target")
	}
	if n := len(a.Handoffs()); n != 2 {
		t.Errorf("len(Handoffs) = %d, want 2", n)
	}
}

func TestConditionalHandoff(t *testing.T) {
	afterTwo := When(func(rc RunContext) (bool, error) { return rc.Turn > 2, nil })
	broken := When(func(RunContext) (bool, error) { return false, errors.New("boom") })
	a := NewAgent("a",
		WithConditionalHandoff("late", afterTwo),
		WithConditionalHandoff("broken", broken))

	if a.canHandOffTo("late", RunContext{Turn: 1}, nopLogger) {
		t.Error("late handoff enabled on turn 1")
	}
	if !a.canHandOffTo("late", RunContext{Turn: 3}, nopLogger) {
		t.Error("late handoff disabled on turn 3")
	}
	if a.canHandOffTo("broken", RunContext{Turn: 3}, nopLogger) {
		t.Error("erroring condition enabled a handoff")
	}
}

func TestHandoffsReturnsCopy(t *testing.T) {
	a := NewAgent("a", WithHandoffs("b"))
	hs := a.Handoffs()
	hs[0].Target = "mutated"
	if a.Handoffs()[0].Target != "b" {
		t.Error("Handoffs exposed internal slice")
	}
}
