package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the orchestrator
type Metrics struct {
	// Callback handler metrics
	CallbacksProcessed metric.Int64Counter
	CodesExchanged     metric.Int64Counter
	FlowsStarted       metric.Int64Counter
	FlowsActive        metric.Int64ObservableGauge

	// Circuit breaker / loop guard metrics
	AttemptsRecorded   metric.Int64Counter
	AttemptsBlocked    metric.Int64Counter
	CircuitTransitions metric.Int64Counter
	LoopConfidence     metric.Float64Histogram

	// Bridge metrics
	BridgeDeliveries metric.Int64Counter
	AckDuration      metric.Float64Histogram

	// Session metrics
	TokensRefreshed  metric.Int64Counter
	TokensRotated    metric.Int64Counter
	LogoutBroadcasts metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	handlerMeter := inst.Meter("handler")
	guardMeter := inst.Meter("guard")
	bridgeMeter := inst.Meter("bridge")
	sessionMeter := inst.Meter("session")
	storageMeter := inst.Meter("storage")
	flowMeter := inst.Meter("flow")

	var err error

	m.CallbacksProcessed, err = handlerMeter.Int64Counter(
		"authflow.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodesExchanged, err = handlerMeter.Int64Counter(
		"authflow.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.FlowsStarted, err = flowMeter.Int64Counter(
		"authflow.flow.started",
		metric.WithDescription("Number of login flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.started counter: %w", err)
	}

	m.FlowsActive, err = flowMeter.Int64ObservableGauge(
		"authflow.flow.active",
		metric.WithDescription("Number of live flow records"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.active gauge: %w", err)
	}

	m.AttemptsRecorded, err = guardMeter.Int64Counter(
		"authflow.attempt.recorded",
		metric.WithDescription("Number of authentication attempts recorded"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt.recorded counter: %w", err)
	}

	m.AttemptsBlocked, err = guardMeter.Int64Counter(
		"authflow.attempt.blocked",
		metric.WithDescription("Number of attempts blocked by the circuit breaker"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt.blocked counter: %w", err)
	}

	m.CircuitTransitions, err = guardMeter.Int64Counter(
		"authflow.circuit.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create circuit.transitions counter: %w", err)
	}

	m.LoopConfidence, err = guardMeter.Float64Histogram(
		"authflow.loop.confidence",
		metric.WithDescription("Confidence score of loop detection runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create loop.confidence histogram: %w", err)
	}

	m.BridgeDeliveries, err = bridgeMeter.Int64Counter(
		"authflow.bridge.deliveries",
		metric.WithDescription("Number of cross-context delivery attempts by transport"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge.deliveries counter: %w", err)
	}

	m.AckDuration, err = bridgeMeter.Float64Histogram(
		"authflow.bridge.ack.duration",
		metric.WithDescription("Result-to-acknowledgment round trip in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge.ack.duration histogram: %w", err)
	}

	m.TokensRefreshed, err = sessionMeter.Int64Counter(
		"authflow.token.refreshed",
		metric.WithDescription("Number of tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokensRotated, err = sessionMeter.Int64Counter(
		"authflow.token.rotated",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.rotated counter: %w", err)
	}

	m.LogoutBroadcasts, err = sessionMeter.Int64Counter(
		"authflow.logout.broadcasts",
		metric.WithDescription("Number of logout events broadcast to other contexts"),
		metric.WithUnit("{broadcast}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout.broadcasts counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"authflow.storage.operations",
		metric.WithDescription("Number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"authflow.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordCallback counts one processed callback with its outcome.
func (m *Metrics) RecordCallback(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CallbacksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordFlowStarted counts one started flow by type.
func (m *Metrics) RecordFlowStarted(ctx context.Context, flowType string) {
	if m == nil {
		return
	}
	m.FlowsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrFlowType, flowType),
	))
}

// RecordCodeExchange counts one authorization code exchange by result.
func (m *Metrics) RecordCodeExchange(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrSuccess, success),
	))
}

// RecordAttempt counts one recorded attempt by type and result.
func (m *Metrics) RecordAttempt(ctx context.Context, attemptType string, success bool) {
	if m == nil {
		return
	}
	m.AttemptsRecorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAttemptType, attemptType),
		attribute.Bool(AttrSuccess, success),
	))
}

// RecordAttemptBlocked counts one attempt refused by the circuit breaker.
func (m *Metrics) RecordAttemptBlocked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.AttemptsBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrReason, reason),
	))
}

// RecordCircuitTransition counts one breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCircuitState, to),
	))
}

// RecordLoopConfidence records the confidence score of one detection run.
func (m *Metrics) RecordLoopConfidence(ctx context.Context, confidence float64) {
	if m == nil {
		return
	}
	m.LoopConfidence.Record(ctx, confidence)
}

// RecordBridgeDelivery counts one transport delivery attempt.
func (m *Metrics) RecordBridgeDelivery(ctx context.Context, transport string, delivered bool) {
	if m == nil {
		return
	}
	m.BridgeDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrTransport, transport),
		attribute.Bool(AttrSuccess, delivered),
	))
}

// RecordAckRoundTrip records a result-to-ack duration.
func (m *Metrics) RecordAckRoundTrip(ctx context.Context, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AckDuration.Record(ctx, float64(elapsed.Milliseconds()))
}

// RecordTokenRefresh counts one refresh, flagging whether the refresh token
// rotated.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, rotated bool) {
	if m == nil {
		return
	}
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool(AttrTokenRotated, rotated),
	))
	if rotated {
		m.TokensRotated.Add(ctx, 1)
	}
}

// RecordLogoutBroadcast counts one logout event sent to other contexts.
func (m *Metrics) RecordLogoutBroadcast(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.LogoutBroadcasts.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrLogoutReason, reason),
	))
}

// RecordStorageOperation counts one store operation and its duration.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.Bool(AttrSuccess, err == nil),
	))
	m.StorageOperationDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
	))
}
