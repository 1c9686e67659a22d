package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")
	AttrFinishReason = attribute.Key("llm.finish_reason")

	AttrToolCount    = attribute.Key("llm.tool_count")
	AttrToolNames    = attribute.Key("llm.tool_names")
	AttrStreamEvents = attribute.Key("llm.stream_events")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrGuardName    = attribute.Key("guardrail.name")
	AttrGuardStage   = attribute.Key("guardrail.stage")
	AttrGuardOutcome = attribute.Key("guardrail.outcome")
)
