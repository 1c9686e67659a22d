package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryProvider retries transient backend failures (429 and 503) with
// exponential backoff, as long as nothing has been streamed yet.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // across all attempts; 0 = none
	logger      *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the attempt budget (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// RetryBaseDelay sets the delay before the second attempt (default 1s). It
// doubles on every further attempt, plus up to 50% jitter.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout bounds the whole retry sequence.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger logs retries at WARN and exhaustion at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with retries on transient HTTP errors. A Retry-After
// sent by the backend raises the delay to at least that long.
//
//	p := relay.WithRetry(openaicompat.NewProvider(key, model, base), relay.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

// ChatStream forwards each attempt's events to ch. Once an event has been
// forwarded the attempt's outcome is final, so no content is duplicated.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if ch != nil {
		defer close(ch)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		resp, forwarded, err := r.attempt(ctx, req, ch)
		if err == nil || forwarded || !isTransient(err) {
			return resp, err
		}
		lastErr = err
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i == r.maxAttempts-1 {
			break
		}
		timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChatResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Error("retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	return ChatResponse{}, lastErr
}

// attempt runs one inner call and reports whether any event reached ch.
func (r *retryProvider) attempt(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, bool, error) {
	if ch == nil {
		resp, err := r.inner.ChatStream(ctx, req, nil)
		return resp, false, err
	}
	mid := make(chan StreamEvent, 64)
	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = r.inner.ChatStream(ctx, req, mid)
	}()
	forwarded := false
	for ev := range mid {
		forwarded = true
		Emit(ctx, ch, ev)
	}
	<-done
	return resp, forwarded, err
}

// isTransient reports whether err is a 429 or 503 from the backend.
func isTransient(err error) bool {
	s := statusOf(err)
	return s == http.StatusTooManyRequests || s == http.StatusServiceUnavailable
}

func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay is max(backoff, Retry-After).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	d := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > d {
		return e.RetryAfter
	}
	return d
}

// retryBackoff returns base * 2^i plus up to 50% jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	return exp + time.Duration(rand.Int64N(int64(exp)/2+1))
}

var _ Provider = (*retryProvider)(nil)
