package runtime

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-voicegate/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

func TestGatewayResourceDescribesEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Mode = "mock"
	cfg.Audio.BitDepth = 24

	res, err := gatewayResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	set := res.Set()
	checks := map[attribute.Key]string{
		"service.name":            "loqa-voicegate",
		"voicegate.engine.mode":   "mock",
		"voicegate.model_id":      "upbeat-moon",
		"voicegate.output_format": "fp32",
	}
	for key, want := range checks {
		got, ok := set.Value(key)
		if !ok || got.AsString() != want {
			t.Fatalf("%s: expected %q, got %q", key, want, got.Emit())
		}
	}
	if got, ok := set.Value("voicegate.audio.bit_depth"); !ok || got.AsInt64() != 24 {
		t.Fatalf("expected bit depth 24, got %v", got.Emit())
	}
}

func TestSpanExporterSelection(t *testing.T) {
	cfg := config.Default().Telemetry

	exporter, name, err := spanExporter(context.Background(), cfg)
	if err != nil || exporter != nil || name != "none" {
		t.Fatalf("expected no exporter at info level, got %v %q %v", exporter, name, err)
	}

	cfg.LogLevel = "debug"
	exporter, name, err = spanExporter(context.Background(), cfg)
	if err != nil || exporter == nil || name != "stdout" {
		t.Fatalf("expected stdout exporter at debug level, got %v %q %v", exporter, name, err)
	}
	_ = exporter.Shutdown(context.Background())
}
