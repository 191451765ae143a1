package otelinit

import (
	"context"
	"testing"
)

func TestInitMetricsNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown := InitMetrics(ctx, "test-service")
	_ = shutdown(ctx) // no collector present in the test environment
}

func TestInitTracerNoExporter(t *testing.T) {
	ctx := context.Background()
	shutdown := InitTracer(ctx, "test-service")
	_ = shutdown(ctx)
}
