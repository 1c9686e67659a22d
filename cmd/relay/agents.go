package main

import (
	"context"
	"fmt"

	"github.com/nevindra/relay"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/tools/fetch"
)

func demoTools() []relay.Tool {
	return []relay.Tool{addTool(), counterTool(), fetch.New()}
}

func addTool() relay.Tool {
	return relay.NewFuncTool(relay.ToolDefinition{
		Name:        "add",
		Description: "Add two numbers and return the sum.",
		Parameters: relay.ParamSchema(
			relay.Param{Name: "a", Type: "number", Description: "first addend", Required: true},
			relay.Param{Name: "b", Type: "number", Description: "second addend", Required: true},
		),
	}, func(_ context.Context, args map[string]any) (any, error) {
		a, ok := args["a"].(float64)
		if !ok {
			return nil, fmt.Errorf("a: want number, got %T", args["a"])
		}
		b, ok := args["b"].(float64)
		if !ok {
			return nil, fmt.Errorf("b: want number, got %T", args["b"])
		}
		return a + b, nil
	})
}

// counterTool increments a per-session counter kept in the ToolContext, so
// the count survives across runs when a context store is configured.
func counterTool() relay.Tool {
	return relay.NewFuncTool(relay.ToolDefinition{
		Name:        "counter",
		Description: "Increment the session counter by step (default 1) and return the new value.",
		Parameters: relay.ParamSchema(
			relay.Param{Name: "step", Type: "integer", Description: "amount to add"},
		),
	}, func(ctx context.Context, args map[string]any) (any, error) {
		tc, ok := relay.ToolContextFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("counter: no session context")
		}
		step := 1.0
		if v, ok := args["step"].(float64); ok {
			step = v
		}
		var total float64
		err := tc.WithLock("counter", func() error {
			// Restored snapshots decode numbers as float64.
			v, _ := tc.Get("counter")
			total, _ = v.(float64)
			total += step
			tc.Set("counter", total)
			return nil
		})
		return total, err
	})
}

func demoAgents(cfg config.Config, tools *relay.ToolRegistry) []*relay.Agent {
	pick := func(names ...string) []relay.Tool {
		var out []relay.Tool
		for _, n := range names {
			if t, ok := tools.Get(n); ok {
				out = append(out, t)
			}
		}
		return out
	}

	triage := relay.NewAgent("triage",
		relay.WithModel(cfg.LLM.Model),
		relay.WithInstructions(triagePrompt()),
		relay.WithTools(pick("http_fetch")...),
		relay.WithHandoffs("math"),
		relay.WithMaxTurns(cfg.Run.MaxTurns),
	)
	math := relay.NewAgent("math",
		relay.WithModel(cfg.LLM.Model),
		relay.WithInstructions(mathPrompt()),
		relay.WithTools(pick("add", "counter")...),
		relay.WithHandoffs("triage"),
		relay.WithMaxTurns(cfg.Run.MaxTurns),
	)
	return []*relay.Agent{triage, math}
}

// --- System Prompts ---

func triagePrompt() string {
	return `You are the triage agent. Answer general questions directly and concisely.
Use http_fetch when the user gives you a URL to read.
When the user asks for arithmetic or wants to use the session counter, reply with exactly:
HANDOFF: math`
}

func mathPrompt() string {
	return `You are the math agent. Use the add tool for sums and the counter tool to track counts.
Always call a tool instead of computing in your head. Report the result in one short sentence.
If the request is not about math or counting, reply with exactly:
HANDOFF: triage`
}
