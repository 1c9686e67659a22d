package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/handoff/mdscan"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/store/sqlite"
)

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt([]string{"what", "is", "2+2"}, strings.NewReader("ignored"))
	if err != nil || got != "what is 2+2" {
		t.Errorf("args prompt = %q, %v", got, err)
	}
	got, err = readPrompt(nil, strings.NewReader("  from stdin\n"))
	if err != nil || got != "from stdin" {
		t.Errorf("stdin prompt = %q, %v", got, err)
	}
	if _, err := readPrompt(nil, strings.NewReader(" \n")); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestHandoffScanner(t *testing.T) {
	if _, ok := handoffScanner("markdown").(*mdscan.Scanner); !ok {
		t.Error("markdown should select mdscan")
	}
	if _, ok := handoffScanner("literal").(relay.LiteralScanner); !ok {
		t.Error("literal should select LiteralScanner")
	}
}

func TestBuildGuardrails(t *testing.T) {
	reg := relay.NewToolRegistry(demoTools()...)
	tests := []struct {
		name string
		gc   config.GuardrailsConfig
		want int
	}{
		{"none", config.GuardrailsConfig{}, 0},
		{"defaults", config.Default().Guardrails, 2},
		{"all", config.GuardrailsConfig{ContentSafety: true, ValidateToolArgs: true, MaxInputLength: 100, RateLimitPerMinute: 5}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildGuardrails(tt.gc, reg, nil).Len(); got != tt.want {
				t.Errorf("validators = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAddTool(t *testing.T) {
	out, err := addTool().Call(context.Background(), map[string]any{"a": 2.0, "b": 40.0})
	if err != nil || out != 42.0 {
		t.Errorf("add = %v, %v", out, err)
	}
	if _, err := addTool().Call(context.Background(), map[string]any{"a": "2", "b": 1.0}); err == nil {
		t.Error("expected error for non-numeric a")
	}
}

func TestCounterToolThroughPipeline(t *testing.T) {
	p := relay.NewPipeline(relay.NewToolRegistry(counterTool()), nil)
	tctx := relay.NewToolContext()
	call := func(args string) string {
		t.Helper()
		res, err := p.Execute(context.Background(), tctx, relay.ToolCall{ID: "c", Name: "counter", Args: json.RawMessage(args)})
		if err != nil {
			t.Fatal(err)
		}
		return res.Content
	}
	if got := call(`{}`); got != "1" {
		t.Errorf("first = %q", got)
	}
	if got := call(`{"step":4}`); got != "5" {
		t.Errorf("second = %q", got)
	}
}

func TestCounterToolWithoutContext(t *testing.T) {
	if _, err := counterTool().Call(context.Background(), nil); err == nil {
		t.Error("expected error without a session context")
	}
}

func TestDemoAgents(t *testing.T) {
	cfg := config.Default()
	agents := demoAgents(cfg, relay.NewToolRegistry(demoTools()...))
	if len(agents) != 2 || agents[0].Name() != "triage" || agents[1].Name() != "math" {
		t.Fatalf("agents = %v", agents)
	}
	if got := agents[0].Tools().Names(); len(got) != 1 || got[0] != "http_fetch" {
		t.Errorf("triage tools = %v", got)
	}
	if got := agents[1].Tools().Names(); len(got) != 2 {
		t.Errorf("math tools = %v", got)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	s, err := openStore(ctx, config.StoreConfig{Driver: "none"}, slog.New(slog.DiscardHandler))
	if err != nil || s != nil {
		t.Errorf("none = %v, %v", s, err)
	}
	if _, err := openStore(ctx, config.StoreConfig{Driver: "etcd"}, slog.New(slog.DiscardHandler)); err == nil {
		t.Error("expected error for unknown driver")
	}
	s, err = openStore(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "r.db")}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}

// scriptedServer answers each chat completion request with the next script
// entry, written as SSE data lines.
func scriptedServer(t *testing.T, script ...[]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		if i >= len(script) {
			http.Error(w, "script exhausted", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range script[i] {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRunEndToEnd(t *testing.T) {
	srv, calls := scriptedServer(t,
		[]string{`{"choices":[{"delta":{"content":"HANDOFF: math"},"finish_reason":"stop"}]}`},
		[]string{`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"counter","arguments":"{\"step\":2}"}}]},"finish_reason":"tool_calls"}]}`},
		[]string{`{"choices":[{"delta":{"content":"Counter is 2."},"finish_reason":"stop"}]}`},
	)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	cfgPath := filepath.Join(dir, "relay.toml")
	body := fmt.Sprintf(`
[llm]
provider = "custom"
base_url = %q
model = "test-model"
max_attempts = 1

[store]
driver = "sqlite"
dsn = %q

[log]
level = "error"
`, srv.URL, dbPath)
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	if err := run(context.Background(), cfgPath, "demo", "triage", []string{"bump", "the", "counter", "by", "2"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}

	store := sqlite.New(dbPath)
	defer store.Close()
	snap, found, err := store.LoadContext(context.Background(), "demo")
	if err != nil || !found {
		t.Fatalf("LoadContext: found=%v err=%v", found, err)
	}
	if snap.Values["counter"] != 2.0 {
		t.Errorf("persisted counter = %v", snap.Values["counter"])
	}
}
