package instrumentation

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Meter("client") == nil {
		t.Error("Meter() returned nil")
	}
	if inst.Tracer("client") == nil {
		t.Error("Tracer() returned nil")
	}
	if inst.Metrics() == nil {
		t.Error("Metrics() returned nil")
	}
	if inst.MeterProvider() == nil || inst.TracerProvider() == nil {
		t.Error("providers not defaulted to no-op implementations")
	}
}

func TestNew_DisabledIgnoresProviders(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	inst, err := New(Config{
		Enabled:       false,
		MeterProvider: provider,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.MeterProvider() == provider {
		t.Error("disabled instrumentation should not use the supplied provider")
	}
}

func TestNew_EnabledUsesProviders(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	inst, err := New(Config{
		Enabled:       true,
		MeterProvider: provider,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.MeterProvider() != provider {
		t.Error("enabled instrumentation should use the supplied provider")
	}
}

func TestMetrics_RecordingDoesNotPanic(t *testing.T) {
	inst, err := New(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordTokenRequest(ctx, "client_credentials", 200, 12.5)
	m.RecordTokenRequestError(ctx, "refresh_token", "transport")
	m.RecordTokenReused(ctx, "client_credentials")
	m.RecordTokenRefresh(ctx, true)
	m.RecordRefreshFallback(ctx, "client_credentials")
	m.RecordFlowStarted(ctx)
	m.RecordFlowResumed(ctx, true)
	m.RecordFlowDeferred(ctx)
	m.RecordStateMismatch(ctx)
	m.RecordOwnershipDenied(ctx)
	m.RecordRateLimitExceeded(ctx)
	m.RecordStorageOperation(ctx, "save_token", "success", 1.2)
	m.RecordEncryptionOperation(ctx, "encrypt")
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 1 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
