package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry(t *testing.T) {
	unavailable := &ErrHTTP{Status: 503, Body: "unavailable"}
	tests := []struct {
		name      string
		results   []stubResult
		wantCalls int
		wantErr   bool
	}{
		{"first attempt", []stubResult{textResult("hello")}, 1, false},
		{"retries 503", []stubResult{{err: unavailable}, textResult("hello")}, 2, false},
		{"retries 429", []stubResult{{err: &ErrHTTP{Status: 429}}, textResult("hello")}, 2, false},
		{"no retry on 400", []stubResult{{err: &ErrHTTP{Status: 400}}, textResult("hello")}, 1, true},
		{"no retry on plain error", []stubResult{{err: errors.New("boom")}, textResult("hello")}, 1, true},
		{"exhausted", []stubResult{{err: unavailable}, {err: unavailable}, {err: unavailable}, textResult("late")}, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubProvider{results: tt.results}
			p := WithRetry(stub, RetryBaseDelay(0))
			resp, err := p.ChatStream(context.Background(), ChatRequest{}, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && resp.Content != "hello" {
				t.Errorf("Content = %q", resp.Content)
			}
			if stub.callCount() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", stub.callCount(), tt.wantCalls)
			}
		})
	}
}

func TestWithRetryStreamsAndClosesOnce(t *testing.T) {
	ok := textResult("hello")
	ok.tokens = []string{"hel", "lo"}
	stub := &stubProvider{results: []stubResult{{err: &ErrHTTP{Status: 503}}, ok}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan StreamEvent, 8)
	if _, err := p.ChatStream(context.Background(), ChatRequest{}, ch); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	var got []string
	for ev := range ch {
		got = append(got, ev.Content)
	}
	if len(got) != 2 || got[0] != "hel" || got[1] != "lo" {
		t.Errorf("events = %v", got)
	}
}

func TestWithRetryNoRetryAfterTokens(t *testing.T) {
	partial := stubResult{tokens: []string{"par"}, err: &ErrHTTP{Status: 503}}
	stub := &stubProvider{results: []stubResult{partial, textResult("hello")}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan StreamEvent, 8)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if statusOf(err) != 503 {
		t.Fatalf("err = %v, want the 503", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("calls = %d, want 1", stub.callCount())
	}
	for range ch {
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{err: &ErrHTTP{Status: 503}}, textResult("hello")}}
	p := WithRetry(stub, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.ChatStream(ctx, ChatRequest{}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestWithRetryTimeout(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{err: &ErrHTTP{Status: 503}}, textResult("hello")}}
	p := WithRetry(stub, RetryBaseDelay(time.Hour), RetryTimeout(20*time.Millisecond))
	if _, err := p.ChatStream(context.Background(), ChatRequest{}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 4; i++ {
		d := retryBackoff(base, i)
		lo := base * (1 << i)
		if d < lo || d > lo+lo/2 {
			t.Errorf("retryBackoff(%d) = %v, want in [%v, %v]", i, d, lo, lo+lo/2)
		}
	}
	err := &ErrHTTP{Status: 429, RetryAfter: 5 * time.Second}
	if d := retryDelay(base, 0, err); d != 5*time.Second {
		t.Errorf("retryDelay with Retry-After = %v, want 5s", d)
	}
}

func TestWithTimeout(t *testing.T) {
	if p := WithTimeout(blockingProvider{}, 0); p != (blockingProvider{}) {
		t.Errorf("WithTimeout(0) wrapped the provider")
	}
	p := WithTimeout(blockingProvider{}, 10*time.Millisecond)
	if p.Name() != "blocking" {
		t.Errorf("Name = %q", p.Name())
	}
	ch := make(chan StreamEvent)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if _, open := <-ch; open {
		t.Error("channel not closed")
	}
}
