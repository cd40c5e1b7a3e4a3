package telemetry

import (
	"context"
	"testing"

	"github.com/vnmchuo/deep-search/config"
)

func TestInitTracer_Stdout(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "deep-search-test", &config.Config{OTELExporterType: "stdout"})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	shutdown()
}

func TestInitTracer_UnknownExporter(t *testing.T) {
	if _, err := InitTracer(context.Background(), "deep-search-test", &config.Config{OTELExporterType: "zipkin"}); err == nil {
		t.Error("Expected error for unknown exporter")
	}
}
