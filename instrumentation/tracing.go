package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span and metric attribute keys
//
// SECURITY WARNING: Never record actual sensitive values (access tokens,
// refresh tokens, authorization codes) in traces or metrics. Only record
// metadata such as flow IDs, attempt types, outcomes, and durations.
const (
	// Flow attributes
	AttrFlowID   = "authflow.flow.id"
	AttrFlowType = "authflow.flow.type"
	AttrOutcome  = "authflow.outcome"
	AttrReason   = "authflow.reason"

	// Guard attributes
	AttrAttemptType  = "authflow.attempt.type"
	AttrAttemptPath  = "authflow.attempt.path"
	AttrSuccess      = "authflow.success"
	AttrCircuitState = "authflow.circuit.state"

	// Bridge attributes
	AttrTransport = "authflow.bridge.transport"
	AttrChannel   = "authflow.bridge.channel"

	// Session attributes
	AttrContextID    = "authflow.context.id"
	AttrLogoutReason = "authflow.logout.reason"
	AttrTokenRotated = "authflow.token.rotated" //nolint:gosec // rotation flag, not a credential

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageKey       = "storage.key"

	// Provider attributes
	AttrProviderError = "provider.error"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
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

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, flowID, flowType string) {
	if flowID != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowID, flowID))
	}
	if flowType != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowType, flowType))
	}
}
