package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: never put actual credential values (access tokens,
// refresh tokens, authorization codes, client secrets) in traces. Only
// metadata such as grant types, error kinds, and result flags is safe:
// traces are persisted longer and visible to wider audiences than the
// process that emitted them.
const (
	// OAuth flow attributes (metadata only)
	AttrGrantType    = "oauth.grant_type"
	AttrFlow         = "oauth.flow"
	AttrIdentity     = "oauth.identity"
	AttrScope        = "oauth.scope"
	AttrTokenType    = "oauth.token_type" //nolint:gosec // type label, not the token
	AttrExpiresIn    = "oauth.expires_in"
	AttrResultKind   = "oauth.result_kind"
	AttrErrorKind    = "oauth.error_kind"
	AttrUpstreamCode = "oauth.error"
	AttrStatePrefix  = "oauth.state_prefix"
	AttrOwner        = "oauth.redirect_owner"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, flow, identity, scope string) {
	if flow != "" {
		SetSpanAttributes(span, attribute.String(AttrFlow, flow))
	}
	if identity != "" {
		SetSpanAttributes(span, attribute.String(AttrIdentity, identity))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}
