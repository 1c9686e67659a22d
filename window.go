package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Strategy selects how the window budget is measured.
type Strategy string

const (
	StrategyTokenWindow  Strategy = "token-sliding-window"
	StrategyMessageCount Strategy = "message-count"
	StrategySummarize    Strategy = "summarization"
)

// SummaryPrefix starts the synthetic message that replaces summarized history.
const SummaryPrefix = "[Summary of earlier conversation]\n"

// WindowPolicy bounds the conversation sent to the model each turn.
type WindowPolicy struct {
	Strategy Strategy
	// Limit is a token budget, or a message count for StrategyMessageCount.
	// Zero disables trimming.
	Limit int
	// PreserveSystem always keeps a system message at index 0.
	PreserveSystem bool
	// PreserveRecent always keeps the last N messages.
	PreserveRecent int
	// SummarizeThreshold scales Limit for StrategySummarize so trimming
	// starts before the hard limit. Values outside (0, 1] mean 1.
	SummarizeThreshold float64
}

// DefaultWindowPolicy returns an 8000-token sliding window that keeps the
// system message and the 4 most recent messages.
func DefaultWindowPolicy() WindowPolicy {
	return WindowPolicy{
		Strategy:           StrategyTokenWindow,
		Limit:              8000,
		PreserveSystem:     true,
		PreserveRecent:     4,
		SummarizeThreshold: 0.8,
	}
}

// Validate reports configuration errors.
func (p WindowPolicy) Validate() error {
	switch p.Strategy {
	case StrategyTokenWindow, StrategyMessageCount, StrategySummarize:
	default:
		return fmt.Errorf("window: unknown strategy %q", p.Strategy)
	}
	if p.Limit < 0 {
		return fmt.Errorf("window: negative limit %d", p.Limit)
	}
	if p.PreserveRecent < 0 {
		return fmt.Errorf("window: negative preserve_recent %d", p.PreserveRecent)
	}
	return nil
}

// effectiveLimit applies the summarize threshold.
func (p WindowPolicy) effectiveLimit() int {
	if p.Strategy != StrategySummarize {
		return p.Limit
	}
	t := p.SummarizeThreshold
	if t <= 0 || t > 1 {
		t = 1
	}
	return int(float64(p.Limit) * t)
}

// Summarizer condenses dropped messages into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, messages []ChatMessage) (string, error)
}

// WindowResult is the outcome of one Trim.
type WindowResult struct {
	Messages      []ChatMessage
	Dropped       int
	Summarized    bool
	EstimatedCost int // tokens, or messages for StrategyMessageCount
}

// WindowManager trims conversations according to a WindowPolicy.
type WindowManager struct {
	policy     WindowPolicy
	estimator  TokenEstimator
	summarizer Summarizer
	logger     *slog.Logger
	tracer     Tracer
}

// WindowOption configures a WindowManager.
type WindowOption func(*WindowManager)

// WithEstimator replaces the default CharEstimator.
func WithEstimator(e TokenEstimator) WindowOption {
	return func(w *WindowManager) { w.estimator = e }
}

// WithSummarizer enables real summarization for StrategySummarize.
func WithSummarizer(s Summarizer) WindowOption {
	return func(w *WindowManager) { w.summarizer = s }
}

func WindowLogger(l *slog.Logger) WindowOption {
	return func(w *WindowManager) { w.logger = l }
}

func WindowTracer(t Tracer) WindowOption {
	return func(w *WindowManager) { w.tracer = t }
}

func NewWindowManager(policy WindowPolicy, opts ...WindowOption) *WindowManager {
	w := &WindowManager{policy: policy}
	for _, o := range opts {
		o(w)
	}
	if w.estimator == nil {
		w.estimator = NewCharEstimator()
	}
	if w.logger == nil {
		w.logger = nopLogger
	}
	return w
}

func (w *WindowManager) Policy() WindowPolicy { return w.policy }

// Estimator returns the estimator in use.
func (w *WindowManager) Estimator() TokenEstimator { return w.estimator }

// Trim returns the messages that fit the policy for model. The input slice
// is never modified.
//
// The system message at index 0 (with PreserveSystem) and the last
// PreserveRecent messages always survive, even when they alone exceed the
// budget. Other messages are dropped oldest first; dropping an assistant
// message that requested tools also drops the results answering it.
func (w *WindowManager) Trim(ctx context.Context, model string, messages []ChatMessage) (WindowResult, error) {
	n := len(messages)
	costs := make([]int, n)
	total := 0
	for i, m := range messages {
		if w.policy.Strategy == StrategyMessageCount {
			costs[i] = 1
		} else {
			costs[i] = w.estimator.EstimateTokens(model, []ChatMessage{m})
		}
		total += costs[i]
	}

	limit := w.policy.effectiveLimit()
	if limit <= 0 || total <= limit {
		return WindowResult{Messages: append([]ChatMessage(nil), messages...), EstimatedCost: total}, nil
	}

	preserved := w.preserved(messages)
	dropped := make([]bool, n)
	count := 0
	for i := 0; i < n && total > limit; i++ {
		if preserved[i] || dropped[i] {
			continue
		}
		dropped[i] = true
		total -= costs[i]
		count++
		for _, j := range answeringResults(messages, i) {
			if !preserved[j] && !dropped[j] {
				dropped[j] = true
				total -= costs[j]
				count++
			}
		}
	}

	res := WindowResult{Dropped: count, EstimatedCost: total}
	if total > limit {
		w.logger.Debug("window over budget after trimming", "cost", total, "limit", limit)
	}

	var summary string
	if count > 0 && w.policy.Strategy == StrategySummarize && w.summarizer != nil {
		summary = w.summarize(ctx, messages, dropped)
	}

	out := make([]ChatMessage, 0, n-count+1)
	inserted := false
	for i, m := range messages {
		if dropped[i] {
			if summary != "" && !inserted {
				sm := UserMessage(SummaryPrefix + summary)
				out = append(out, sm)
				inserted = true
				if w.policy.Strategy == StrategyMessageCount {
					res.EstimatedCost++
				} else {
					res.EstimatedCost += w.estimator.EstimateTokens(model, []ChatMessage{sm})
				}
			}
			continue
		}
		out = append(out, m)
	}
	res.Messages = out
	res.Summarized = inserted
	if count > 0 {
		w.logger.Debug("window trimmed", "model", model, "dropped", count, "summarized", inserted, "cost", res.EstimatedCost)
	}
	return res, nil
}

// preserved marks the messages that may never be dropped. A preserved tool
// result pins the assistant message that requested it, and that message's
// other results, so no preserved result is left orphaned.
func (w *WindowManager) preserved(messages []ChatMessage) []bool {
	n := len(messages)
	keep := make([]bool, n)
	if w.policy.PreserveSystem && n > 0 && messages[0].Role == RoleSystem {
		keep[0] = true
	}
	for i := max(0, n-w.policy.PreserveRecent); i < n; i++ {
		keep[i] = true
	}
	for i := n - 1; i >= 0; i-- {
		if !keep[i] || messages[i].Role != RoleTool {
			continue
		}
		if p := requestingAssistant(messages, i); p >= 0 && !keep[p] {
			keep[p] = true
			for _, j := range answeringResults(messages, p) {
				keep[j] = true
			}
		}
	}
	return keep
}

// answeringResults returns the indexes of tool messages after i that answer
// tool calls made by messages[i].
func answeringResults(messages []ChatMessage, i int) []int {
	m := messages[i]
	if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
		return nil
	}
	ids := make(map[string]bool, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		ids[tc.ID] = true
	}
	var out []int
	for j := i + 1; j < len(messages); j++ {
		if messages[j].Role == RoleTool && ids[messages[j].ToolCallID] {
			out = append(out, j)
		}
	}
	return out
}

// requestingAssistant returns the index of the assistant message whose tool
// call the tool message at i answers, or -1.
func requestingAssistant(messages []ChatMessage, i int) int {
	id := messages[i].ToolCallID
	for j := i - 1; j >= 0; j-- {
		if messages[j].Role != RoleAssistant {
			continue
		}
		for _, tc := range messages[j].ToolCalls {
			if tc.ID == id {
				return j
			}
		}
	}
	return -1
}

func (w *WindowManager) summarize(ctx context.Context, messages []ChatMessage, dropped []bool) string {
	var span []ChatMessage
	for i, m := range messages {
		if dropped[i] {
			span = append(span, m)
		}
	}
	ctx, s := startSpan(ctx, w.tracer, "window.summarize", IntAttr("messages", len(span)))
	defer s.End()

	summary, err := w.summarizer.Summarize(ctx, span)
	if err != nil {
		s.Error(err)
		w.logger.Warn("summarization failed, dropping messages instead", "error", err)
		return ""
	}
	return strings.TrimSpace(summary)
}

// ProviderSummarizer summarizes with a model call.
type ProviderSummarizer struct {
	Provider Provider
	Model    string
	// Prompt is the system instruction; empty uses a built-in prompt.
	Prompt string
}

const defaultSummaryPrompt = "Summarize the following conversation concisely. Preserve key facts, data values, decisions, tool results and errors. Omit redundant details."

func (s *ProviderSummarizer) Summarize(ctx context.Context, messages []ChatMessage) (string, error) {
	prompt := s.Prompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, " [called %s(%s)]", tc.Name, tc.Args)
		}
		b.WriteString("\n")
	}
	resp, err := s.Provider.ChatStream(ctx, ChatRequest{
		Model:    s.Model,
		Messages: []ChatMessage{SystemMessage(prompt), UserMessage(b.String())},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return resp.Content, nil
}

var _ Summarizer = (*ProviderSummarizer)(nil)
