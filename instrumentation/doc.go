// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the authflow library.
//
// The package exposes named meters and tracers per library layer (handler,
// flow, guard, bridge, session, storage) together with a Metrics holder that
// owns the domain instruments. Providers are no-op until an exporter is
// configured, so wiring instrumentation into a Context has zero overhead by
// default.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-service",
//		ServiceVersion: "1.0.0",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Callback handler:
//   - authflow.callback.processed{authflow.outcome} - Provider callbacks processed
//   - authflow.code.exchanged - Authorization codes exchanged
//
// Flows:
//   - authflow.flow.started - Login flows started
//   - authflow.flow.active - Live flow records (observable gauge)
//
// Guard:
//   - authflow.attempt.recorded{authflow.attempt.type, authflow.success} - Attempts recorded
//   - authflow.attempt.blocked - Attempts refused by the circuit breaker
//   - authflow.circuit.transitions - Breaker state transitions
//   - authflow.loop.confidence - Loop detection confidence scores
//
// Bridge:
//   - authflow.bridge.deliveries{authflow.bridge.transport, authflow.success} - Delivery attempts
//   - authflow.bridge.ack.duration - Result-to-ack round trip in milliseconds
//
// Session:
//   - authflow.token.refreshed - Token refreshes
//   - authflow.token.rotated - Refresh token rotations
//   - authflow.logout.broadcasts - Logout events broadcast
//
// Storage:
//   - authflow.storage.operations{storage.operation} - Storage operations
//   - authflow.storage.operation.duration - Operation duration in milliseconds
package instrumentation
