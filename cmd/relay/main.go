// Command relay runs a prompt through a small multi-agent setup: a triage
// agent that answers directly or hands off to a math agent with tools.
//
//	relay -config relay.toml "what is 2 + 40?"
//	echo "count twice" | relay -session demo
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/handoff/mdscan"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/observer"
	"github.com/nevindra/relay/provider/resolve"
	"github.com/nevindra/relay/store/postgres"
	"github.com/nevindra/relay/store/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to the TOML config file")
	session := flag.String("session", "", "session id; tool state persists across runs with the same id")
	agent := flag.String("agent", "triage", "agent that receives the prompt")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *session, *agent, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, session, agentName string, args []string) error {
	// 1. Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	prompt, err := readPrompt(args, os.Stdin)
	if err != nil {
		return err
	}

	// 2. Observer (opt-in via config)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.Service, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.WithoutCancel(ctx))
		logger.Info("observer enabled", "service", cfg.Observer.Service)
	}

	// 3. Provider
	provider, err := buildProvider(cfg, logger, inst)
	if err != nil {
		return err
	}

	// 4. Context store
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	// 5. Tools, guardrails, agents
	tools := demoTools()
	if inst != nil {
		tools = observer.WrapTools(inst, tools...)
	}
	registry := relay.NewToolRegistry(tools...)
	guards := buildGuardrails(cfg.Guardrails, registry, inst)

	// 6. Runner
	opts := []relay.RunnerOption{
		relay.WithAgents(demoAgents(cfg, registry)...),
		relay.WithGuardrails(guards),
		relay.WithWindow(cfg.WindowPolicy()),
		relay.WithLogger(logger),
		relay.WithParallelTools(cfg.Run.ParallelTools),
		relay.WithTurnTimeout(cfg.TurnTimeout()),
		relay.WithHandoffScanner(handoffScanner(cfg.Run.HandoffScanner)),
		relay.WithMaxTotalTurns(cfg.Run.MaxTotalTurns),
	}
	if cfg.LLM.MaxTokens > 0 {
		opts = append(opts, relay.WithMaxTokens(cfg.LLM.MaxTokens))
	}
	if cfg.Run.AbortOnToolError {
		opts = append(opts, relay.WithToolErrorPolicy(relay.AbortOnToolError))
	}
	contextOpts := []relay.ContextManagerOption{relay.WithContextLogger(logger)}
	if store != nil {
		contextOpts = append(contextOpts, relay.WithContextStore(store))
	}
	opts = append(opts, relay.WithContextManager(relay.NewContextManager(contextOpts...)))
	if inst != nil {
		opts = append(opts, relay.WithTracer(observer.NewTracer()))
	}
	runner := relay.NewRunner(provider, opts...)

	// 7. Run, streaming content to stdout
	events := make(chan relay.StreamEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(os.Stdout, logger, events)
	}()

	res, err := runner.RunStream(ctx, relay.RunRequest{
		Agent:     agentName,
		Messages:  []relay.ChatMessage{relay.UserMessage(prompt)},
		SessionID: session,
	}, events)
	<-done
	if err != nil {
		return err
	}
	logger.Info("run finished",
		"agent", res.Agent,
		"turns", res.TotalTurns,
		"handoffs", len(res.Handoffs),
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens)
	return nil
}

func buildProvider(cfg config.Config, logger *slog.Logger, inst *observer.Instruments) (relay.Provider, error) {
	rc := resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Logger:   logger,
	}
	if cfg.LLM.Temperature != 0 {
		t := cfg.LLM.Temperature
		rc.Temperature = &t
	}
	p, err := resolve.Provider(rc)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		p = observer.WrapProvider(p, cfg.LLM.Model, inst)
	}
	p = relay.WithTimeout(p, cfg.LLMTimeout())
	if cfg.LLM.MaxAttempts > 1 {
		p = relay.WithRetry(p, relay.RetryMaxAttempts(cfg.LLM.MaxAttempts), relay.RetryLogger(logger))
	}
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		p = relay.WithRateLimit(p, relay.RPM(cfg.LLM.RPM), relay.TPM(cfg.LLM.TPM))
	}
	return p, nil
}

func openStore(ctx context.Context, sc config.StoreConfig, logger *slog.Logger) (relay.ContextStore, error) {
	var store relay.ContextStore
	switch sc.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		store = sqlite.New(sc.DSN, sqlite.WithLogger(logger))
	case "postgres":
		pool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store = &ownedPool{Store: postgres.New(pool, postgres.WithLogger(logger)), pool: pool}
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// ownedPool closes the pool the CLI created alongside the store.
type ownedPool struct {
	*postgres.Store
	pool *pgxpool.Pool
}

func (o *ownedPool) Close() error {
	o.pool.Close()
	return nil
}

func buildGuardrails(gc config.GuardrailsConfig, tools *relay.ToolRegistry, inst *observer.Instruments) *relay.GuardrailChain {
	type named struct {
		name string
		v    relay.Validator
	}
	var vs []named
	if gc.ValidateToolArgs {
		vs = append(vs, named{"tool_schema", relay.NewToolSchemaGuard(tools)})
	}
	if gc.ContentSafety {
		vs = append(vs, named{"content_safety", relay.NewContentSafetyGuard()})
	}
	if gc.MaxInputLength > 0 || gc.MaxOutputLength > 0 {
		vs = append(vs, named{"length", relay.NewLengthGuard(gc.MaxInputLength, gc.MaxOutputLength)})
	}
	if gc.RateLimitPerMinute > 0 {
		vs = append(vs, named{"rate_limit", relay.NewRateLimitGuard(gc.RateLimitPerMinute)})
	}

	chain := relay.NewGuardrailChain()
	for _, n := range vs {
		if inst != nil {
			chain.Add(observer.WrapValidator(n.name, n.v, inst))
			continue
		}
		chain.Add(n.v)
	}
	return chain
}

func handoffScanner(kind string) relay.HandoffScanner {
	if kind == "markdown" {
		return mdscan.New()
	}
	return relay.LiteralScanner{}
}

// readPrompt joins the positional args, or reads stdin when there are none.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", errors.New("empty prompt: pass it as arguments or on stdin")
	}
	return prompt, nil
}

// printEvents writes content fragments to w and logs the rest until events
// is closed.
func printEvents(w io.Writer, logger *slog.Logger, events <-chan relay.StreamEvent) {
	for ev := range events {
		switch ev.Type {
		case relay.EventContent:
			fmt.Fprint(w, ev.Content)
		case relay.EventToolCallStart:
			logger.Info("tool call", "agent", ev.Agent, "tool", ev.Name, "args", string(ev.Args))
		case relay.EventToolCallResult:
			logger.Debug("tool result", "tool", ev.Name, "content", ev.Content, "error", ev.IsError)
		case relay.EventHandoff:
			fmt.Fprintln(w)
			logger.Info("handoff", "from", ev.Agent, "to", ev.Name)
		case relay.EventRunFinish:
			fmt.Fprintln(w)
		}
	}
}
