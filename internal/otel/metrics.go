package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the host's metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	GenerationDuration  metric.Float64Histogram
	GenerationRepairs   metric.Int64Histogram
	GenerationOutcomes  metric.Int64Counter
	ProviderDuration    metric.Float64Histogram
	ExtensionActivation metric.Int64Counter
	ExtensionFaults     metric.Int64Counter
	DependencyInstalls  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.GenerationDuration, err = meter.Float64Histogram("kaihost.generation.duration",
		metric.WithDescription("Generation request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationRepairs, err = meter.Int64Histogram("kaihost.generation.repairs",
		metric.WithDescription("Repair cycles consumed per generation request"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerationOutcomes, err = meter.Int64Counter("kaihost.generation.outcomes",
		metric.WithDescription("Generation requests by terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderDuration, err = meter.Float64Histogram("kaihost.provider.duration",
		metric.WithDescription("Model provider call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExtensionActivation, err = meter.Int64Counter("kaihost.extension.activations",
		metric.WithDescription("Extension activations by result"),
	)
	if err != nil {
		return nil, err
	}

	m.ExtensionFaults, err = meter.Int64Counter("kaihost.extension.faults",
		metric.WithDescription("Faults raised by extension code"),
	)
	if err != nil {
		return nil, err
	}

	m.DependencyInstalls, err = meter.Int64Counter("kaihost.dependency.installs",
		metric.WithDescription("Dependency install attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordGeneration(ctx context.Context, outcome string, repairs int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.GenerationDuration.Record(ctx, d.Seconds(), attrs)
	m.GenerationRepairs.Record(ctx, int64(repairs), attrs)
	m.GenerationOutcomes.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordProviderCall(ctx context.Context, model string, errKind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrModel.String(model),
		attribute.String("error", errKind),
	))
}

func (m *Metrics) RecordActivation(ctx context.Context, ext string, ok bool) {
	if m == nil {
		return
	}
	m.ExtensionActivation.Add(ctx, 1, metric.WithAttributes(AttrExtensionID.String(ext), attribute.Bool("ok", ok)))
}

func (m *Metrics) RecordFault(ctx context.Context, ext, reason string) {
	if m == nil {
		return
	}
	m.ExtensionFaults.Add(ctx, 1, metric.WithAttributes(AttrExtensionID.String(ext), AttrFaultReason.String(reason)))
}

func (m *Metrics) RecordDependencyInstall(ctx context.Context, pkg, outcome string) {
	if m == nil {
		return
	}
	m.DependencyInstalls.Add(ctx, 1, metric.WithAttributes(AttrPackage.String(pkg), AttrOutcome.String(outcome)))
}
