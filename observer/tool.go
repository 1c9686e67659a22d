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

// ObservedTool wraps a relay.Tool with a span, execution metrics and a log
// record per call.
type ObservedTool struct {
	inner relay.Tool
	inst  *Instruments
}

func WrapTool(inner relay.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

// WrapTools wraps every tool in ts.
func WrapTools(inst *Instruments, ts ...relay.Tool) []relay.Tool {
	out := make([]relay.Tool, len(ts))
	for i, t := range ts {
		out[i] = WrapTool(t, inst)
	}
	return out
}

func (o *ObservedTool) Definition() relay.ToolDefinition { return o.inner.Definition() }

func (o *ObservedTool) Call(ctx context.Context, args map[string]any) (any, error) {
	name := o.inner.Definition().Name
	ctx, span := o.inst.Tracer.Start(ctx, "tool.call", trace.WithAttributes(AttrToolName.String(name)))
	defer span.End()
	if call, ok := relay.ToolCallFromContext(ctx); ok {
		span.SetAttributes(attribute.String("tool.call_id", call.ID))
	}
	start := time.Now()

	out, err := o.inner.Call(ctx, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrToolStatus.String(status))

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(AttrToolName.String(name)))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return out, err
}

var _ relay.Tool = (*ObservedTool)(nil)
