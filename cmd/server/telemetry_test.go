package main

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
	})
}

func TestSetupTelemetryDisabledWithoutEndpoint(t *testing.T) {
	restoreGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := setupTelemetry(context.Background(), "")
	if err != nil {
		t.Fatalf("setupTelemetry() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Error("Expected tracer provider to be left untouched")
	}
}

func TestSetupTelemetryInstallsProviders(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := setupTelemetry(context.Background(), "http://127.0.0.1:4318")
	if err != nil {
		t.Fatalf("setupTelemetry() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// Nothing listens on the endpoint; only the teardown path matters here.
		_ = shutdown(ctx)
	}()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("Expected SDK tracer provider, got %T", otel.GetTracerProvider())
	}
	if _, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider); !ok {
		t.Errorf("Expected SDK meter provider, got %T", otel.GetMeterProvider())
	}
}
