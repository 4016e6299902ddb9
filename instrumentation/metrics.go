package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the library
type Metrics struct {
	// Token endpoint metrics
	TokenRequestsTotal   metric.Int64Counter
	TokenRequestDuration metric.Float64Histogram
	TokenRequestErrors   metric.Int64Counter

	// Client state-machine metrics
	TokenReused      metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	RefreshFallbacks metric.Int64Counter
	FlowsStarted     metric.Int64Counter
	FlowsResumed     metric.Int64Counter
	FlowsDeferred    metric.Int64Counter

	// Security metrics
	StateMismatches   metric.Int64Counter
	OwnershipDenied   metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageTokensCount       metric.Int64ObservableGauge
	StorageRedirectsCount    metric.Int64ObservableGauge

	// Encryption metrics
	EncryptionOperationsTotal metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	transportMeter := inst.Meter("transport")
	clientMeter := inst.Meter("client")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m.TokenRequestsTotal, err = transportMeter.Int64Counter(
		"oauth.token_requests.total",
		metric.WithDescription("Total token endpoint requests by grant type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_requests counter: %w", err)
	}

	m.TokenRequestDuration, err = transportMeter.Float64Histogram(
		"oauth.token_requests.duration",
		metric.WithDescription("Token endpoint request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_requests.duration histogram: %w", err)
	}

	m.TokenRequestErrors, err = transportMeter.Int64Counter(
		"oauth.token_requests.errors",
		metric.WithDescription("Token endpoint failures by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_requests.errors counter: %w", err)
	}

	m.TokenReused, err = clientMeter.Int64Counter(
		"oauth.tokens.reused",
		metric.WithDescription("Stored tokens returned without a network call"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.reused counter: %w", err)
	}

	m.TokenRefreshed, err = clientMeter.Int64Counter(
		"oauth.tokens.refreshed",
		metric.WithDescription("Successful refresh-token grants"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.refreshed counter: %w", err)
	}

	m.RefreshFallbacks, err = clientMeter.Int64Counter(
		"oauth.refresh.fallbacks",
		metric.WithDescription("Refresh failures that fell back to full re-authorization"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.fallbacks counter: %w", err)
	}

	m.FlowsStarted, err = clientMeter.Int64Counter(
		"oauth.flows.started",
		metric.WithDescription("Authorization-code flows begun (Suspend results)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flows.started counter: %w", err)
	}

	m.FlowsResumed, err = clientMeter.Int64Counter(
		"oauth.flows.resumed",
		metric.WithDescription("Authorization-code callbacks resolved"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flows.resumed counter: %w", err)
	}

	m.FlowsDeferred, err = clientMeter.Int64Counter(
		"oauth.flows.deferred",
		metric.WithDescription("Callbacks forwarded to an external owner"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flows.deferred counter: %w", err)
	}

	m.StateMismatches, err = securityMeter.Int64Counter(
		"oauth.state.mismatches",
		metric.WithDescription("Callbacks carrying an unknown or consumed state token"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.mismatches counter: %w", err)
	}

	m.OwnershipDenied, err = securityMeter.Int64Counter(
		"oauth.state.ownership_denied",
		metric.WithDescription("Callbacks rejected under strict ownership policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.ownership_denied counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth.ratelimit.exceeded",
		metric.WithDescription("Token endpoint calls rejected by the local rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth.storage.operations",
		metric.WithDescription("Storage operations by name and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.duration histogram: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.tokens",
		metric.WithDescription("Token records currently stored"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens gauge: %w", err)
	}

	m.StorageRedirectsCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.redirects",
		metric.WithDescription("Pending redirects currently stored"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.redirects gauge: %w", err)
	}

	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"oauth.encryption.operations",
		metric.WithDescription("Encrypt/decrypt operations on stored records"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordTokenRequest records one token endpoint call.
func (m *Metrics) RecordTokenRequest(ctx context.Context, grantType string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("grant_type", grantType),
		attribute.Int("status", statusCode),
	}

	m.TokenRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.TokenRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRequestError records a failed token endpoint call.
func (m *Metrics) RecordTokenRequestError(ctx context.Context, grantType, kind string) {
	m.TokenRequestErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("kind", kind),
	))
}

// RecordTokenReused records a cache hit that avoided a network call.
func (m *Metrics) RecordTokenReused(ctx context.Context, flow string) {
	m.TokenReused.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
	))
}

// RecordTokenRefresh records a successful refresh grant.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("rotated", rotated),
	))
}

// RecordRefreshFallback records a refresh failure that triggered the single
// fallback to full re-authorization.
func (m *Metrics) RecordRefreshFallback(ctx context.Context, flow string) {
	m.RefreshFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
	))
}

// RecordFlowStarted records a new authorization-code flow.
func (m *Metrics) RecordFlowStarted(ctx context.Context) {
	m.FlowsStarted.Add(ctx, 1)
}

// RecordFlowResumed records a resolved callback.
func (m *Metrics) RecordFlowResumed(ctx context.Context, success bool) {
	m.FlowsResumed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordFlowDeferred records a callback forwarded to an external owner.
func (m *Metrics) RecordFlowDeferred(ctx context.Context) {
	m.FlowsDeferred.Add(ctx, 1)
}

// RecordStateMismatch records an unknown-state callback.
func (m *Metrics) RecordStateMismatch(ctx context.Context) {
	m.StateMismatches.Add(ctx, 1)
}

// RecordOwnershipDenied records a strict-policy ownership rejection.
func (m *Metrics) RecordOwnershipDenied(ctx context.Context) {
	m.OwnershipDenied.Add(ctx, 1)
}

// RecordRateLimitExceeded records a local rate-limit rejection.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context) {
	m.RateLimitExceeded.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordEncryptionOperation records an encrypt or decrypt of a stored record.
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
