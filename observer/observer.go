// Package observer provides OpenTelemetry instrumentation for relay runs.
//
// NewTracer plugs into relay.WithTracer and produces run, turn, window and
// tool spans. WrapProvider, WrapTool and WrapValidator add metrics and log
// records around model calls, tool calls and guardrail checks. Exporters are
// configured through the standard OTEL_* environment variables.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/relay/observer"

// Instruments holds the OTEL handles shared by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	TokenUsage     metric.Int64Counter
	CostTotal      metric.Float64Counter
	LLMRequests    metric.Int64Counter
	LLMDuration    metric.Float64Histogram
	StreamEvents   metric.Int64Counter
	ToolExecutions metric.Int64Counter
	ToolDuration   metric.Float64Histogram
	GuardChecks    metric.Int64Counter

	Cost *CostCalculator
}

// Option tunes Init.
type Option func(*initConfig)

type initConfig struct {
	attrs          []attribute.KeyValue
	metricInterval time.Duration
}

// WithResourceAttributes adds attributes to the exported resource, e.g. a
// deployment environment.
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(c *initConfig) { c.attrs = append(c.attrs, attrs...) }
}

// WithMetricInterval sets how often metrics are exported (SDK default 60s).
func WithMetricInterval(d time.Duration) Option {
	return func(c *initConfig) { c.metricInterval = d }
}

// Init installs global trace, metric and log providers backed by OTLP/HTTP
// exporters and returns the relay instruments plus a shutdown func that
// flushes all three. The exporters read OTEL_EXPORTER_OTLP_* from the
// environment.
func Init(ctx context.Context, service string, pricing map[string]ModelPricing, opts ...Option) (*Instruments, func(context.Context) error, error) {
	var cfg initConfig
	for _, o := range opts {
		o(&cfg)
	}
	if service == "" {
		service = "relay"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(append([]attribute.KeyValue{semconv.ServiceName(service)}, cfg.attrs...)...),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			errs = append(errs, shutdowns[i](ctx))
		}
		return errors.Join(errs...)
	}
	abort := func(err error) (*Instruments, func(context.Context) error, error) {
		return nil, nil, errors.Join(err, shutdown(ctx))
	}

	tp, err := newTracerProvider(ctx, res)
	if err != nil {
		return abort(err)
	}
	otel.SetTracerProvider(tp)
	shutdowns = append(shutdowns, tp.Shutdown)

	mp, err := newMeterProvider(ctx, res, cfg.metricInterval)
	if err != nil {
		return abort(err)
	}
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	lp, err := newLoggerProvider(ctx, res)
	if err != nil {
		return abort(err)
	}
	global.SetLoggerProvider(lp)
	shutdowns = append(shutdowns, lp.Shutdown)

	inst, err := newInstruments(pricing)
	if err != nil {
		return abort(err)
	}
	return inst, shutdown, nil
}

func newTracerProvider(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, err
	}
	var readerOpts []sdkmetric.PeriodicReaderOption
	if interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(interval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, readerOpts...)),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// instrumentSet creates instruments on one meter and keeps the first error.
type instrumentSet struct {
	meter metric.Meter
	err   error
}

func (s *instrumentSet) counter(name, desc, unit string) metric.Int64Counter {
	c, err := s.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	s.keep(err)
	return c
}

func (s *instrumentSet) floatCounter(name, desc, unit string) metric.Float64Counter {
	c, err := s.meter.Float64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	s.keep(err)
	return c
}

func (s *instrumentSet) histogram(name, desc, unit string) metric.Float64Histogram {
	h, err := s.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
	s.keep(err)
	return h
}

func (s *instrumentSet) keep(err error) {
	if s.err == nil && err != nil {
		s.err = err
	}
}

// newInstruments builds the instruments from the global providers, which
// are no-ops until Init installs real ones.
func newInstruments(pricing map[string]ModelPricing) (*Instruments, error) {
	set := &instrumentSet{meter: otel.Meter(scopeName)}
	inst := &Instruments{
		Tracer: otel.Tracer(scopeName),
		Meter:  set.meter,
		Logger: global.GetLoggerProvider().Logger(scopeName),

		TokenUsage:     set.counter("llm.token.usage", "Total tokens consumed", "{token}"),
		CostTotal:      set.floatCounter("llm.cost.total", "Cumulative LLM cost in USD", "USD"),
		LLMRequests:    set.counter("llm.requests", "LLM request count", "{request}"),
		LLMDuration:    set.histogram("llm.duration", "LLM call duration", "ms"),
		StreamEvents:   set.counter("llm.stream.events", "Stream events forwarded from model calls", "{event}"),
		ToolExecutions: set.counter("tool.executions", "Tool execution count", "{execution}"),
		ToolDuration:   set.histogram("tool.duration", "Tool execution duration", "ms"),
		GuardChecks:    set.counter("guardrail.checks", "Guardrail validations by outcome", "{check}"),

		Cost: NewCostCalculator(pricing),
	}
	if set.err != nil {
		return nil, set.err
	}
	return inst, nil
}
