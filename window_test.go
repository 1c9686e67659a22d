package relay

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

// unitEstimator costs every message one token.
type unitEstimator struct{}

func (unitEstimator) EstimateTokens(_ string, msgs []ChatMessage) int { return len(msgs) }

type stubSummarizer struct {
	text  string
	err   error
	calls int
	got   []ChatMessage
}

func (s *stubSummarizer) Summarize(_ context.Context, msgs []ChatMessage) (string, error) {
	s.calls++
	s.got = msgs
	return s.text, s.err
}

func conversation(n int) []ChatMessage {
	msgs := []ChatMessage{SystemMessage("you are helpful")}
	for i := 1; i < n; i++ {
		role := RoleUser
		if i%2 == 0 {
			role = RoleAssistant
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: fmt.Sprintf("message %d %s", i, strings.Repeat("x", 400))})
	}
	return msgs
}

func TestWindowPreservesSystemAndRecent(t *testing.T) {
	msgs := conversation(20)
	orig := append([]ChatMessage(nil), msgs...)
	for _, limit := range []int{1, 150, 400, 1000} {
		t.Run(fmt.Sprint(limit), func(t *testing.T) {
			w := NewWindowManager(WindowPolicy{
				Strategy:       StrategyTokenWindow,
				Limit:          limit,
				PreserveSystem: true,
				PreserveRecent: 3,
			})
			res, err := w.Trim(context.Background(), "m", msgs)
			if err != nil {
				t.Fatal(err)
			}
			got := res.Messages
			if len(got) < 4 {
				t.Fatalf("len = %d, want >= 4", len(got))
			}
			if !reflect.DeepEqual(got[0], orig[0]) {
				t.Errorf("first message = %+v, want system message", got[0])
			}
			if !reflect.DeepEqual(got[len(got)-3:], orig[17:]) {
				t.Error("last 3 messages not preserved verbatim in order")
			}
			if res.Dropped != 20-len(got) {
				t.Errorf("Dropped = %d, want %d", res.Dropped, 20-len(got))
			}
		})
	}
	if !reflect.DeepEqual(msgs, orig) {
		t.Error("Trim mutated its input")
	}
}

func TestWindowUnderBudgetUnchanged(t *testing.T) {
	msgs := conversation(5)
	w := NewWindowManager(DefaultWindowPolicy())
	res, err := w.Trim(context.Background(), "m", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(res.Messages, msgs) || res.Dropped != 0 {
		t.Errorf("under-budget conversation changed: dropped %d", res.Dropped)
	}
	if res.EstimatedCost == 0 {
		t.Error("EstimatedCost not reported")
	}
}

func TestWindowMessageCount(t *testing.T) {
	msgs := conversation(10)
	w := NewWindowManager(WindowPolicy{Strategy: StrategyMessageCount, Limit: 5, PreserveSystem: true, PreserveRecent: 2})
	res, _ := w.Trim(context.Background(), "m", msgs)
	want := append([]ChatMessage{msgs[0]}, msgs[6:]...)
	if !reflect.DeepEqual(res.Messages, want) {
		t.Errorf("got %d messages, want system + last 4", len(res.Messages))
	}
	if res.EstimatedCost != 5 {
		t.Errorf("EstimatedCost = %d, want 5", res.EstimatedCost)
	}
}

func TestWindowPreservedExceedBudget(t *testing.T) {
	msgs := conversation(10)
	w := NewWindowManager(WindowPolicy{Strategy: StrategyMessageCount, Limit: 1, PreserveSystem: true, PreserveRecent: 3})
	res, _ := w.Trim(context.Background(), "m", msgs)
	want := append([]ChatMessage{msgs[0]}, msgs[7:]...)
	if !reflect.DeepEqual(res.Messages, want) {
		t.Errorf("got %d messages, want all 4 preserved", len(res.Messages))
	}
}

func TestWindowWithoutPreserveSystem(t *testing.T) {
	msgs := conversation(6)
	w := NewWindowManager(WindowPolicy{Strategy: StrategyMessageCount, Limit: 2, PreserveRecent: 1})
	res, _ := w.Trim(context.Background(), "m", msgs)
	if len(res.Messages) != 2 || res.Messages[0].Role == RoleSystem {
		t.Errorf("system message kept without PreserveSystem: %d messages", len(res.Messages))
	}
}

func toolConversation() []ChatMessage {
	return []ChatMessage{
		SystemMessage("sys"),
		UserMessage("add things"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{mkCall("c1", "add", `{}`), mkCall("c2", "add", `{}`)}},
		ToolResultMessage("c1", "1"),
		ToolResultMessage("c2", "2"),
		AssistantMessage("done"),
		UserMessage("next"),
	}
}

func TestWindowDropsToolResultsWithRequest(t *testing.T) {
	msgs := toolConversation()
	w := NewWindowManager(WindowPolicy{Strategy: StrategyMessageCount, Limit: 4, PreserveSystem: true, PreserveRecent: 2})
	res, _ := w.Trim(context.Background(), "m", msgs)
	want := []ChatMessage{msgs[0], msgs[5], msgs[6]}
	if !reflect.DeepEqual(res.Messages, want) {
		t.Errorf("got %+v", res.Messages)
	}
	if res.Dropped != 4 {
		t.Errorf("Dropped = %d, want 4", res.Dropped)
	}
}

func TestWindowPinsRequestOfPreservedResult(t *testing.T) {
	msgs := toolConversation()[:5] // ends with the two tool results
	w := NewWindowManager(WindowPolicy{Strategy: StrategyMessageCount, Limit: 2, PreserveSystem: true, PreserveRecent: 1})
	res, _ := w.Trim(context.Background(), "m", msgs)
	want := []ChatMessage{msgs[0], msgs[2], msgs[3], msgs[4]}
	if !reflect.DeepEqual(res.Messages, want) {
		t.Errorf("got %+v", res.Messages)
	}
}

func TestWindowSummarize(t *testing.T) {
	msgs := conversation(8)
	sum := &stubSummarizer{text: "they talked"}
	w := NewWindowManager(WindowPolicy{
		Strategy:           StrategySummarize,
		Limit:              10,
		SummarizeThreshold: 0.5,
		PreserveSystem:     true,
		PreserveRecent:     2,
	}, WithEstimator(unitEstimator{}), WithSummarizer(sum))

	res, err := w.Trim(context.Background(), "m", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Summarized || res.Dropped != 3 {
		t.Fatalf("Summarized=%v Dropped=%d, want true/3", res.Summarized, res.Dropped)
	}
	if len(sum.got) != 3 || !reflect.DeepEqual(sum.got[0], msgs[1]) {
		t.Errorf("summarizer got %d messages", len(sum.got))
	}
	got := res.Messages
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6", len(got))
	}
	if got[1].Role != RoleUser || got[1].Content != SummaryPrefix+"they talked" {
		t.Errorf("summary message = %+v", got[1])
	}
	if !reflect.DeepEqual(got[2:], msgs[4:]) {
		t.Error("messages after summary changed")
	}
	if res.EstimatedCost != 6 {
		t.Errorf("EstimatedCost = %d, want 6", res.EstimatedCost)
	}
}

func TestWindowSummarizeFailureDegrades(t *testing.T) {
	msgs := conversation(8)
	sum := &stubSummarizer{err: errors.New("provider down")}
	w := NewWindowManager(WindowPolicy{Strategy: StrategySummarize, Limit: 10, SummarizeThreshold: 0.5, PreserveSystem: true, PreserveRecent: 2},
		WithEstimator(unitEstimator{}), WithSummarizer(sum))
	res, err := w.Trim(context.Background(), "m", msgs)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summarized || len(res.Messages) != 5 {
		t.Errorf("Summarized=%v len=%d, want plain drop to 5", res.Summarized, len(res.Messages))
	}
}

func TestWindowSummarizeWithoutSummarizerUsesLowerLimit(t *testing.T) {
	msgs := conversation(8)
	w := NewWindowManager(WindowPolicy{Strategy: StrategySummarize, Limit: 10, SummarizeThreshold: 0.5, PreserveRecent: 2},
		WithEstimator(unitEstimator{}))
	res, _ := w.Trim(context.Background(), "m", msgs)
	if len(res.Messages) != 5 {
		t.Errorf("len = %d, want 5 (effective limit 10*0.5)", len(res.Messages))
	}
}

func TestWindowPolicyValidate(t *testing.T) {
	if err := DefaultWindowPolicy().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := []WindowPolicy{
		{Strategy: "fifo"},
		{Strategy: StrategyTokenWindow, Limit: -1},
		{Strategy: StrategyTokenWindow, PreserveRecent: -1},
	}
	for _, p := range bad {
		if p.Validate() == nil {
			t.Errorf("Validate(%+v) = nil", p)
		}
	}
}

func TestProviderSummarizer(t *testing.T) {
	stub := &stubProvider{results: []stubResult{textResult("short version")}}
	s := &ProviderSummarizer{Provider: stub, Model: "small"}
	got, err := s.Summarize(context.Background(), []ChatMessage{UserMessage("long story")})
	if err != nil {
		t.Fatal(err)
	}
	if got != "short version" {
		t.Errorf("summary = %q", got)
	}
	req := stub.request(0)
	if req.Model != "small" || req.Messages[0].Role != RoleSystem || !strings.Contains(req.Messages[1].Content, "long story") {
		t.Errorf("request = %+v", req)
	}
}
