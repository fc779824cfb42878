// Package telemetry wires OpenTelemetry tracing for the skill runtime
package telemetry

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Resource attribute keys describing the runtime a process traces
const (
	SkillsRootKey   = attribute.Key("omni.skills.root")
	MaxLoadedKey    = attribute.Key("omni.skills.max_loaded")
	SkillTTLKey     = attribute.Key("omni.skills.ttl")
	PinnedSkillsKey = attribute.Key("omni.skills.pinned")
)

// Config selects whether and how spans are exported. The OTLP endpoint
// itself comes from the standard OTEL_EXPORTER_OTLP_* variables.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// Sampler is one of always, never or ratio
	Sampler string
	Ratio   float64
	// Runtime describes the skill runtime on every exported span
	Runtime RuntimeInfo
}

// RuntimeInfo is the static shape of the skill runtime being traced
type RuntimeInfo struct {
	SkillsRoot string
	MaxLoaded  int
	TTL        time.Duration
	Pinned     []string
}

func (r RuntimeInfo) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		MaxLoadedKey.Int(r.MaxLoaded),
		SkillTTLKey.String(r.TTL.String()),
	}
	if r.SkillsRoot != "" {
		attrs = append(attrs, SkillsRootKey.String(r.SkillsRoot))
	}
	if len(r.Pinned) > 0 {
		attrs = append(attrs, PinnedSkillsKey.StringSlice(r.Pinned))
	}
	return attrs
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP.
// When tracing is disabled the returned shutdown does nothing.
func InitTracer(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	sampler, err := parseSampler(cfg.Sampler, cfg.Ratio)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trace exporter")
	}
	tp, err := newTracerProvider(ctx, cfg, sampler, sdktrace.NewBatchSpanProcessor(exporter,
		sdktrace.WithMaxExportBatchSize(512),
		sdktrace.WithBatchTimeout(time.Second),
	))
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		var result *multierror.Error
		if err := tp.Shutdown(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to shut down tracer provider"))
		}
		if err := exporter.Shutdown(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to shut down trace exporter"))
		}
		return result.ErrorOrNil()
	}, nil
}

func newTracerProvider(ctx context.Context, cfg Config, sampler sdktrace.Sampler, processor sdktrace.SpanProcessor) (*sdktrace.TracerProvider, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}, cfg.Runtime.attributes()...)

	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithProcessPID(), resource.WithHost())
	if err != nil {
		return nil, errors.Wrap(err, "failed to describe trace resource")
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithSampler(sampler),
	), nil
}

// parseSampler maps a sampler name to a sampler. An empty name samples
// every trace.
func parseSampler(name string, ratio float64) (sdktrace.Sampler, error) {
	switch name {
	case "", "always":
		return sdktrace.AlwaysSample(), nil
	case "never":
		return sdktrace.NeverSample(), nil
	case "ratio":
		if ratio < 0 || ratio > 1 {
			return nil, errors.Errorf("tracing ratio must be within [0, 1], got %v", ratio)
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
	default:
		return nil, errors.Errorf("unknown tracing sampler %q", name)
	}
}
