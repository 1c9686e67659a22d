package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// rateWindow is the rolling window used by every limiter in this file.
const rateWindow = time.Minute

// slidingWindow counts events over the last rateWindow.
type slidingWindow struct {
	events []time.Time
}

// prune drops events older than the window.
func (w *slidingWindow) prune(now time.Time) {
	w.events = pruneTime(w.events, now.Add(-rateWindow))
}

// reserve records an event at now if fewer than limit events are in the
// window. Otherwise it reports how long until the oldest event expires.
func (w *slidingWindow) reserve(now time.Time, limit int) (bool, time.Duration) {
	w.prune(now)
	if len(w.events) < limit {
		w.events = append(w.events, now)
		return true, 0
	}
	return false, w.events[0].Add(rateWindow).Sub(now)
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// --- RateLimitGuard ---

// RateLimitGuard rejects tool calls once more than Limit calls were accepted
// in the last 60 seconds. It only checks the input phase and raises
// *SecurityError with ReasonRateLimit.
type RateLimitGuard struct {
	limit   int
	perTool bool
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

// RateLimitGuardOption configures a RateLimitGuard.
type RateLimitGuardOption func(*RateLimitGuard)

// PerTool keeps a separate window per tool name instead of one shared window.
func PerTool() RateLimitGuardOption {
	return func(g *RateLimitGuard) { g.perTool = true }
}

// NewRateLimitGuard allows at most limit calls per rolling minute.
// A limit of zero or less disables the guard.
func NewRateLimitGuard(limit int, opts ...RateLimitGuardOption) *RateLimitGuard {
	g := &RateLimitGuard{limit: limit, now: time.Now, windows: make(map[string]*slidingWindow)}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *RateLimitGuard) ValidateInput(ctx context.Context, _ any) error {
	if g.limit <= 0 {
		return nil
	}
	key := ""
	if g.perTool {
		if call, ok := ToolCallFromContext(ctx); ok {
			key = call.Name
		}
	}

	g.mu.Lock()
	w, ok := g.windows[key]
	if !ok {
		w = &slidingWindow{}
		g.windows[key] = w
	}
	allowed, wait := w.reserve(g.now(), g.limit)
	g.mu.Unlock()

	if allowed {
		return nil
	}
	return &SecurityError{
		Validator: "rate_limit",
		Reason:    ReasonRateLimit,
		Message:   fmt.Sprintf("more than %d calls per minute, retry in %s", g.limit, wait.Round(time.Second)),
	}
}

func (g *RateLimitGuard) ValidateOutput(context.Context, any) error { return nil }

// --- provider rate limiting ---

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Requests block until the budget allows them to proceed.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	rpm       int
	rpmWindow slidingWindow

	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined), recorded
// from ChatResponse.Usage. The request that crosses the budget completes;
// later requests wait for the window to slide.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting:
//
//	llm = relay.WithRateLimit(relay.WithRetry(provider), relay.RPM(60))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		if ch != nil {
			close(ch)
		}
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both budgets allow a request or ctx is done.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.tpmWindow = pruneTpm(r.tpmWindow, now.Add(-rateWindow))

		tpmOK := true
		var tpmWait time.Duration
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
			if !tpmOK && len(r.tpmWindow) > 0 {
				tpmWait = r.tpmWindow[0].at.Add(rateWindow).Sub(now)
			}
		}

		rpmOK := true
		var rpmWait time.Duration
		if tpmOK && r.rpm > 0 {
			rpmOK, rpmWait = r.rpmWindow.reserve(now, r.rpm)
		}
		if rpmOK && tpmOK {
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		wait := max(rpmWait, tpmWait)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ Provider = (*rateLimitProvider)(nil)
