package observer

import (
	"context"
	"time"

	"github.com/nevindra/relay"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a relay.Provider with a span, token and cost
// metrics and a log record per model call.
type ObservedProvider struct {
	inner relay.Provider
	inst  *Instruments
	model string
}

// WrapProvider instruments inner. model labels calls whose request does not
// name a model.
func WrapProvider(inner relay.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) ChatStream(ctx context.Context, req relay.ChatRequest, ch chan<- relay.StreamEvent) (relay.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	opts := []trace.SpanStartOption{trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
	)}
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			names[i] = t.Name
		}
		opts = append(opts, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(names),
		))
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", opts...)
	defer span.End()
	start := time.Now()

	var (
		resp   relay.ChatResponse
		err    error
		events int
	)
	if ch == nil {
		resp, err = o.inner.ChatStream(ctx, req, nil)
	} else {
		// The inner provider closes mid; ch is closed here once it is drained.
		mid := make(chan relay.StreamEvent, max(cap(ch), 64))
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer close(ch)
			for ev := range mid {
				events++
				relay.Emit(ctx, ch, ev)
			}
		}()
		resp, err = o.inner.ChatStream(ctx, req, mid)
		<-done
	}

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrStreamEvents.Int(events), AttrFinishReason.String(resp.FinishReason))
	o.record(ctx, span, model, status, durationMs, events, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, status string, durationMs float64, events int, usage relay.Usage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)
	base := []attribute.KeyValue{AttrLLMModel.String(model), AttrLLMProvider.String(o.inner.Name())}

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
	o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(base...))
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(append(base, attribute.String("status", status))...))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(base...))
	o.inst.StreamEvents.Add(ctx, int64(events), metric.WithAttributes(base...))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ relay.Provider = (*ObservedProvider)(nil)
