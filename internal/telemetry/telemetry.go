package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/config"
	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/core"
)

type telemetry struct {
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	jobCounter       metric.Int64Counter
	jobDuration      metric.Float64Histogram
	writeTaskCounter metric.Int64Counter
	writeTaskTime    metric.Float64Histogram
	waveCounter      metric.Int64Counter
	cacheLookups     metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	t := &telemetry{meter: meter}
	var err error

	if t.jobCounter, err = meter.Int64Counter("vulnpull.jobs.total",
		metric.WithDescription("Jobs leaving the scheduler, by outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.jobDuration, err = meter.Float64Histogram("vulnpull.job.duration",
		metric.WithDescription("Time a job spent running stages"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.writeTaskCounter, err = meter.Int64Counter("vulnpull.write_tasks.total",
		metric.WithDescription("Write tasks executed by the writer lane"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.writeTaskTime, err = meter.Float64Histogram("vulnpull.write_task.duration",
		metric.WithDescription("Write task duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.waveCounter, err = meter.Int64Counter("vulnpull.waves.total",
		metric.WithDescription("Writer waves finished, by outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.cacheLookups, err = meter.Int64Counter("vulnpull.cache.lookups",
		metric.WithDescription("Lookup cache requests, by cache and hit"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) RecordJob(job string, outcome string, duration time.Duration) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("job.name", job),
		attribute.String("job.outcome", outcome),
	}

	t.jobCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordWriteTask(wave string, success bool, duration time.Duration) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("wave.name", wave),
		attribute.Bool("task.success", success),
	}

	t.writeTaskCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.writeTaskTime.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordWave(wave string, outcome string) {
	t.waveCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("wave.name", wave),
		attribute.String("wave.outcome", outcome),
	))
}

func (t *telemetry) RecordCacheLookup(cache string, hit bool) {
	t.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("cache.name", cache),
		attribute.Bool("cache.hit", hit),
	))
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

// Noop returns a Telemetry that records nothing.
func Noop() core.Telemetry {
	return noopTelemetry{}
}

func (noopTelemetry) RecordJob(string, string, time.Duration)     {}
func (noopTelemetry) RecordWriteTask(string, bool, time.Duration) {}
func (noopTelemetry) RecordWave(string, string)                   {}
func (noopTelemetry) RecordCacheLookup(string, bool)              {}
func (noopTelemetry) Close() error                                { return nil }
