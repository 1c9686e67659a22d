// Package relay is a multi-agent run loop for tool-calling language models.
//
// It drives repeated model calls for a set of named agents, dispatches the
// tool calls they request through a guardrail chain, keeps per-session tool
// state, bounds the conversation sent each turn, and hands control between
// agents on an in-band "HANDOFF: <name>" marker.
//
// # Quick Start
//
//	provider, _ := resolve.Provider(resolve.Config{Provider: "openai", APIKey: key, Model: "gpt-4o-mini"})
//
//	triage := relay.NewAgent("triage",
//		relay.WithInstructions("Answer directly, or reply HANDOFF: math for arithmetic."),
//		relay.WithHandoffs("math"),
//	)
//	math := relay.NewAgent("math",
//		relay.WithInstructions("Use the add tool."),
//		relay.WithTools(addTool),
//	)
//
//	runner := relay.NewRunner(relay.WithRetry(provider),
//		relay.WithAgents(triage, math),
//		relay.WithGuardrails(relay.NewGuardrailChain(relay.NewContentSafetyGuard())),
//	)
//	res, err := runner.Run(ctx, relay.RunRequest{Messages: []relay.ChatMessage{relay.UserMessage("2+40?")}})
//
// # Core Types
//
//   - [Runner]: turn controller and handoff state machine
//   - [Agent]: instructions, tools, declared handoffs and a turn budget
//   - [Provider]: streaming chat backend
//   - [Tool] and [ToolRegistry]: callable capabilities
//   - [Pipeline]: one tool call through guardrails, locking and history
//   - [GuardrailChain] and [Validator]: input and output checks
//   - [ToolContext] and [ContextManager]: per-session state
//   - [WindowManager]: conversation trimming per [WindowPolicy]
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible chat completions),
// provider/resolve (well-known endpoints by name).
// Context stores: store/sqlite (local), store/postgres (pgx).
// Handoff scanning: handoff/mdscan (prose-only markdown scanner).
// Observability: observer (OpenTelemetry).
//
// See cmd/relay for a complete reference application.
package relay
