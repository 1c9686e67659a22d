package relay

import (
	"sync"
	"unicode/utf8"
)

// TokenEstimator estimates the prompt cost of messages for a model.
type TokenEstimator interface {
	EstimateTokens(model string, messages []ChatMessage) int
}

// UsageRecorder is implemented by estimators that calibrate from the input
// token counts reported by the provider. tools are the definitions sent with
// the request; their schemas count toward inputTokens.
type UsageRecorder interface {
	RecordUsage(model string, messages []ChatMessage, tools []ToolDefinition, inputTokens int)
}

const (
	defaultCharsPerToken   = 4.0
	defaultSmoothingFactor = 0.3
	defaultMessageOverhead = 4
	// minCharsPerToken floors calibrated ratios. No tokenizer packs fewer
	// than one character into a token.
	minCharsPerToken = 1.0
)

// CharEstimator estimates tokens from rune counts with a chars-per-token
// ratio, plus a fixed per-message overhead. The ratio starts at 4.0 (or the
// model's configured ratio) and calibrates from actual usage: the first
// observation for a model replaces the ratio, later ones blend in with an
// exponential moving average. Always rounds up. Safe for concurrent use.
type CharEstimator struct {
	mu        sync.Mutex
	base      float64
	smoothing float64
	overhead  int
	ratios    map[string]*modelRatio
}

type modelRatio struct {
	charsPerToken float64
	observations  int
}

// CharEstimatorOption configures a CharEstimator.
type CharEstimatorOption func(*CharEstimator)

// WithModelRatio sets the initial chars-per-token ratio for one model.
func WithModelRatio(model string, charsPerToken float64) CharEstimatorOption {
	return func(e *CharEstimator) {
		if charsPerToken > 0 {
			e.ratios[model] = &modelRatio{charsPerToken: charsPerToken}
		}
	}
}

// WithMessageOverhead sets the fixed token cost added per message.
func WithMessageOverhead(tokens int) CharEstimatorOption {
	return func(e *CharEstimator) { e.overhead = tokens }
}

func NewCharEstimator(opts ...CharEstimatorOption) *CharEstimator {
	e := &CharEstimator{
		base:      defaultCharsPerToken,
		smoothing: defaultSmoothingFactor,
		overhead:  defaultMessageOverhead,
		ratios:    make(map[string]*modelRatio),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ratio returns the current chars-per-token ratio for model.
func (e *CharEstimator) Ratio(model string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ratioLocked(model)
}

func (e *CharEstimator) ratioLocked(model string) float64 {
	if r, ok := e.ratios[model]; ok {
		return r.charsPerToken
	}
	return e.base
}

func (e *CharEstimator) EstimateTokens(model string, messages []ChatMessage) int {
	ratio := e.Ratio(model)
	total := 0
	for _, m := range messages {
		total += int(float64(messageChars(m))/ratio) + 1 + e.overhead
	}
	return total
}

// RecordUsage calibrates model's ratio from a reported prompt size. Only the
// share attributable to message text is used: the per-message overhead and
// the estimated cost of tools are subtracted first, and the observation is
// skipped when nothing remains.
func (e *CharEstimator) RecordUsage(model string, messages []ChatMessage, tools []ToolDefinition, inputTokens int) {
	if inputTokens <= 0 {
		return
	}
	chars := 0
	for _, m := range messages {
		chars += messageChars(m)
	}
	if chars == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ratio := e.ratioLocked(model)
	content := inputTokens - len(messages)*(1+e.overhead)
	for _, t := range tools {
		content -= int(float64(toolChars(t))/ratio) + 1
	}
	if content <= 0 {
		return
	}
	observed := max(float64(chars)/float64(content), minCharsPerToken)

	r, ok := e.ratios[model]
	if !ok {
		r = &modelRatio{charsPerToken: e.base}
		e.ratios[model] = r
	}
	r.observations++
	if r.observations == 1 {
		r.charsPerToken = observed
		return
	}
	r.charsPerToken = e.smoothing*observed + (1-e.smoothing)*r.charsPerToken
}

func messageChars(m ChatMessage) int {
	n := utf8.RuneCountInString(m.Role) + utf8.RuneCountInString(m.Content)
	for _, tc := range m.ToolCalls {
		n += utf8.RuneCountInString(tc.ID) + utf8.RuneCountInString(tc.Name) + utf8.RuneCount(tc.Args)
	}
	return n
}

func toolChars(t ToolDefinition) int {
	return utf8.RuneCountInString(t.Name) + utf8.RuneCountInString(t.Description) + utf8.RuneCount(t.Parameters)
}

var (
	_ TokenEstimator = (*CharEstimator)(nil)
	_ UsageRecorder  = (*CharEstimator)(nil)
)
