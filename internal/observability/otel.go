package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/coreclaw/coreclaw/internal/config"
)

const scopeName = "github.com/coreclaw/coreclaw/internal/observability"

// OtelInstruments feeds the same counters RecordTool/RecordSchedulerDispatch
// already aggregate into an OpenTelemetry metrics pipeline, addendum to the
// plain-text /metrics endpoint (spec.md §4.10's ambient-stack addition).
type OtelInstruments struct {
	toolCalls      metric.Int64Counter
	toolFailures   metric.Int64Counter
	toolLatency    metric.Float64Histogram
	schedulerDelay metric.Float64Histogram
}

// StartOtel wires an OTLP-over-HTTP metrics exporter when cfg.Enabled, and
// returns a shutdown func plus the instruments to record into alongside the
// in-memory aggregator. When cfg.Enabled is false, it returns a no-op
// shutdown and nil instruments — callers should skip recording in that
// case, grounded on nevindra-oasis's observer.Init gating pattern.
func StartOtel(ctx context.Context, cfg config.OtelConfig) (*OtelInstruments, func(context.Context) error, error) {
	if !cfg.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "coreclaw"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: build otel resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: build otlp metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	meter := otel.Meter(scopeName)
	toolCalls, err := meter.Int64Counter("coreclaw.tool.calls", metric.WithDescription("Tool invocations"))
	if err != nil {
		return nil, nil, err
	}
	toolFailures, err := meter.Int64Counter("coreclaw.tool.failures", metric.WithDescription("Tool invocation failures"))
	if err != nil {
		return nil, nil, err
	}
	toolLatency, err := meter.Float64Histogram("coreclaw.tool.latency_ms", metric.WithDescription("Tool invocation latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, nil, err
	}
	schedulerDelay, err := meter.Float64Histogram("coreclaw.scheduler.delay_ms", metric.WithDescription("Scheduler dispatch delay"), metric.WithUnit("ms"))
	if err != nil {
		return nil, nil, err
	}

	return &OtelInstruments{
			toolCalls:      toolCalls,
			toolFailures:   toolFailures,
			toolLatency:    toolLatency,
			schedulerDelay: schedulerDelay,
		}, mp.Shutdown, nil
}

// RecordTool mirrors Metrics.RecordTool into the OTel pipeline. Safe to
// call on a nil receiver (the otel.enabled=false case) as a no-op.
func (o *OtelInstruments) RecordTool(ctx context.Context, tool string, latencyMs int64, failed bool) {
	if o == nil {
		return
	}
	attrs := metric.WithAttributes(toolAttr(tool))
	o.toolCalls.Add(ctx, 1, attrs)
	if failed {
		o.toolFailures.Add(ctx, 1, attrs)
	}
	o.toolLatency.Record(ctx, float64(latencyMs), attrs)
}

// RecordSchedulerDispatch mirrors Metrics.RecordSchedulerDispatch.
func (o *OtelInstruments) RecordSchedulerDispatch(ctx context.Context, delayMs int64) {
	if o == nil {
		return
	}
	o.schedulerDelay.Record(ctx, float64(delayMs))
}

func toolAttr(tool string) attribute.KeyValue {
	return attribute.String("tool", tool)
}
