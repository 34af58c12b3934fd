package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/kaihost/internal/config"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "none"}, Host{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.GenerationDuration == nil || m.GenerationRepairs == nil || m.GenerationOutcomes == nil {
		t.Error("generation instruments missing")
	}
	if m.ProviderDuration == nil {
		t.Error("ProviderDuration is nil")
	}
	if m.ExtensionActivation == nil || m.ExtensionFaults == nil {
		t.Error("extension instruments missing")
	}
	if m.DependencyInstalls == nil {
		t.Error("DependencyInstalls is nil")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordGeneration(ctx, "Installed", 1, time.Second)
	m.RecordProviderCall(ctx, "m", "", time.Second)
	m.RecordActivation(ctx, "clock", true)
	m.RecordFault(ctx, "clock", "PANIC")
	m.RecordDependencyInstall(ctx, "dkjson", "resolved")
}

func TestMetrics_RecordGenerationIsCollected(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordGeneration(context.Background(), "Installed", 2, 1500*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			found[metric.Name] = true
		}
	}
	for _, name := range []string{"kaihost.generation.duration", "kaihost.generation.repairs", "kaihost.generation.outcomes"} {
		if !found[name] {
			t.Fatalf("metric %s not collected (got %v)", name, found)
		}
	}
}
