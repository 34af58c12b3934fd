// Package otel wires OpenTelemetry traces and metrics for the extension host.
// With telemetry off every tracer and instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/kaihost/internal/config"
)

const (
	TracerName = "kaihost"
	MeterName  = "kaihost"

	defaultService  = "kaihost"
	defaultEndpoint = "localhost:4318"
)

// Host identifies the running host process. Every exported span and metric
// carries it as its resource.
type Host struct {
	Version     string
	Provider    string
	Model       string
	Fingerprint string
}

// HostFromConfig describes a host started with cfg.
func HostFromConfig(cfg config.Config, version string) Host {
	provider, model, _ := cfg.ResolveLLMConfig()
	return Host{Version: version, Provider: provider, Model: model, Fingerprint: cfg.Fingerprint()}
}

func (h Host) resource(service string) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if h.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(h.Version))
	}
	if h.Provider != "" {
		attrs = append(attrs, AttrProvider.String(h.Provider))
	}
	if h.Model != "" {
		attrs = append(attrs, AttrModel.String(h.Model))
	}
	if h.Fingerprint != "" {
		attrs = append(attrs, AttrConfigFingerprint.String(h.Fingerprint))
	}
	return resource.NewSchemaless(attrs...)
}

// Provider holds the tracer and meter handed to every component.
// TracerProvider and Resource are nil when telemetry is off.
type Provider struct {
	Tracer         trace.Tracer
	Meter          metric.Meter
	TracerProvider *sdktrace.TracerProvider
	Resource       *resource.Resource

	mp *sdkmetric.MeterProvider
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool { return p != nil && p.TracerProvider != nil }

// Init builds the provider for the otel section of config.yaml. The caller
// must Shutdown it on exit.
func Init(ctx context.Context, cfg config.OTelConfig, host Host) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}

	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = defaultService
	}
	res := host.resource(service)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	}
	exporter, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	// genkit starts its own spans on the global provider.
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	return &Provider{
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		TracerProvider: tp,
		Resource:       res,
		mp:             mp,
	}, nil
}

// Shutdown flushes pending spans. It is a no-op when telemetry is off.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return errors.Join(p.TracerProvider.Shutdown(ctx), p.mp.Shutdown(ctx))
}

func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// spanExporter returns nil for exporter "none": spans are recorded but
// never leave the process.
func spanExporter(ctx context.Context, cfg config.OTelConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp-http exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown otel exporter %q (want otlp-http, stdout or none)", cfg.Exporter)
	}
}
