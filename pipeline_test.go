package relay

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPipelineExecuteSuccess(t *testing.T) {
	p := NewPipeline(NewToolRegistry(addTool()), nil)
	tctx := NewToolContext()

	res, err := p.Execute(context.Background(), tctx, mkCall("c1", "add", `{"a":2,"b":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "5" || res.IsError || res.CallID != "c1" || res.Name != "add" {
		t.Errorf("result = %+v", res)
	}
	h := tctx.History()
	if len(h) != 1 {
		t.Fatalf("history len = %d, want 1", len(h))
	}
	rec := h[0]
	if !rec.Success || rec.Tool != "add" || rec.CallID != "c1" || rec.Input != `{"a":2,"b":3}` || rec.Output != "5" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Timestamp.IsZero() {
		t.Error("record has no timestamp")
	}
}

func TestPipelineInputRejectionSkipsTool(t *testing.T) {
	var ran atomic.Bool
	tool := NewFuncTool(ToolDefinition{Name: "danger"}, func(context.Context, map[string]any) (any, error) {
		ran.Store(true)
		return "done", nil
	})
	p := NewPipeline(NewToolRegistry(tool), NewGuardrailChain(NewContentSafetyGuard()))
	tctx := NewToolContext()

	res, err := p.Execute(context.Background(), tctx, mkCall("c1", "danger", `{"cmd":"rm -rf /"}`))
	var se *SecurityError
	if !errors.As(err, &se) || se.Stage != StageInput {
		t.Fatalf("err = %v, want input SecurityError", err)
	}
	var te *ToolExecutionError
	if errors.As(err, &te) {
		t.Error("input rejection wrapped in ToolExecutionError")
	}
	if ran.Load() {
		t.Error("tool ran after input rejection")
	}
	if !res.IsError || !strings.HasPrefix(res.Content, "error: ") {
		t.Errorf("result = %+v", res)
	}
	h := tctx.History()
	if len(h) != 1 || h[0].Success || h[0].Error == "" {
		t.Errorf("history = %+v, want one failed record", h)
	}
}

func TestPipelineToolErrorWrapped(t *testing.T) {
	p := NewPipeline(NewToolRegistry(echoTool("echo")), nil)
	tctx := NewToolContext()

	_, err := p.Execute(context.Background(), tctx, mkCall("c9", "echo", `{"text":"fail"}`))
	var te *ToolExecutionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *ToolExecutionError", err)
	}
	if te.Tool != "echo" || te.CallID != "c9" || te.Err.Error() != "echo refused" {
		t.Errorf("ToolExecutionError = %+v", te)
	}
	if rec := tctx.History()[0]; rec.Success || rec.Error != err.Error() {
		t.Errorf("record = %+v", rec)
	}
}

func TestPipelineOutputRejection(t *testing.T) {
	p := NewPipeline(NewToolRegistry(echoTool("echo")), NewGuardrailChain(NewLengthGuard(0, 3)))
	_, err := p.Execute(context.Background(), NewToolContext(), mkCall("c1", "echo", `{"text":"too long"}`))
	if !IsOutputRejected(err) {
		t.Fatalf("err = %v, want output rejection", err)
	}
	var te *ToolExecutionError
	if !errors.As(err, &te) {
		t.Errorf("output rejection not wrapped: %v", err)
	}
}

func TestPipelinePanicRecovered(t *testing.T) {
	tool := NewFuncTool(ToolDefinition{Name: "boom"}, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	p := NewPipeline(NewToolRegistry(tool), nil)
	tctx := NewToolContext()
	_, err := p.Execute(context.Background(), tctx, mkCall("c1", "boom", `{}`))
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	// lock released
	unlock := tctx.Lock("tool:boom")
	unlock()
}

// panickyValidator panics on its first output check only.
type panickyValidator struct{ calls atomic.Int32 }

func (v *panickyValidator) ValidateInput(context.Context, any) error { return nil }

func (v *panickyValidator) ValidateOutput(context.Context, any) error {
	if v.calls.Add(1) == 1 {
		panic("validator blew up")
	}
	return nil
}

func TestPipelineOutputValidatorPanicReleasesLock(t *testing.T) {
	p := NewPipeline(NewToolRegistry(echoTool("echo")), NewGuardrailChain(&panickyValidator{}))
	tctx := NewToolContext()
	_, err := p.Execute(context.Background(), tctx, mkCall("c1", "echo", `{"text":"hi"}`))
	var te *ToolExecutionError
	if !errors.As(err, &te) || !strings.Contains(err.Error(), "validator blew up") {
		t.Fatalf("err = %v, want wrapped validator panic", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), tctx, mkCall("c2", "echo", `{"text":"again"}`))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second call: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second call blocked on tool lock")
	}
}

func TestPipelineUnknownTool(t *testing.T) {
	p := NewPipeline(NewToolRegistry(), nil)
	tctx := NewToolContext()
	_, err := p.Execute(context.Background(), tctx, mkCall("c1", "ghost", `{}`))
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("err = %v, want ErrUnknownTool", err)
	}
	if len(tctx.History()) != 1 {
		t.Error("unknown tool not recorded")
	}
}

func TestPipelineInvalidArguments(t *testing.T) {
	p := NewPipeline(NewToolRegistry(addTool()), nil)
	for _, raw := range []string{`{"a":`, `[1,2]`} {
		c := ToolCall{ID: "c1", Name: "add", Args: []byte("{}"), RawArgs: raw}
		_, err := p.Execute(context.Background(), NewToolContext(), c)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Validator != "arguments" {
			t.Errorf("raw %s: err = %v, want arguments ValidationError", raw, err)
		}
	}
}

func TestPipelineSchemaGuardSeesCall(t *testing.T) {
	reg := NewToolRegistry(addTool())
	p := NewPipeline(reg, NewGuardrailChain(NewToolSchemaGuard(reg)))
	_, err := p.Execute(context.Background(), NewToolContext(), mkCall("c1", "add", `{"a":"x","b":1}`))
	if !IsInputRejected(err) {
		t.Fatalf("err = %v, want input rejection", err)
	}
}

func TestPipelineNonStringResultEncoded(t *testing.T) {
	tool := NewFuncTool(ToolDefinition{Name: "info"}, func(context.Context, map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	p := NewPipeline(NewToolRegistry(tool), nil)
	res, err := p.Execute(context.Background(), NewToolContext(), mkCall("c1", "info", ""))
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != `{"ok":true}` {
		t.Errorf("Content = %s", res.Content)
	}
}

func TestPipelineSerializesSameTool(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := NewFuncTool(ToolDefinition{Name: "slow"}, func(context.Context, map[string]any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})
	p := NewPipeline(NewToolRegistry(slow), nil)
	tctx := NewToolContext()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Execute(context.Background(), tctx, mkCall("c", "slow", `{}`))
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
	if got := tctx.Stats().Successes; got != 8 {
		t.Errorf("successes = %d, want 8", got)
	}
}

func TestPipelineExposesToolContext(t *testing.T) {
	tool := NewFuncTool(ToolDefinition{Name: "bump"}, func(ctx context.Context, _ map[string]any) (any, error) {
		tc, ok := ToolContextFromContext(ctx)
		if !ok {
			return nil, errors.New("no tool context")
		}
		var n int
		err := tc.WithLock("n", func() error {
			v, _ := tc.Get("n")
			n, _ = v.(int)
			n++
			tc.Set("n", n)
			return nil
		})
		return n, err
	})
	p := NewPipeline(NewToolRegistry(tool), nil)
	tctx := NewToolContext()

	for i := 1; i <= 2; i++ {
		res, err := p.Execute(context.Background(), tctx, mkCall("c", "bump", `{}`))
		if err != nil {
			t.Fatal(err)
		}
		if want := strconv.Itoa(i); res.Content != want {
			t.Errorf("call %d content = %q, want %q", i, res.Content, want)
		}
	}
	if _, ok := ToolContextFromContext(context.Background()); ok {
		t.Error("plain context should carry no tool context")
	}
}
