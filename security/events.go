package security

// Event type constants for audit logging. Using constants keeps event names
// consistent across packages and greppable in log output.
const (
	// Flow lifecycle events

	// EventFlowStarted is logged when a login flow is initiated.
	EventFlowStarted = "flow_started"

	// EventFlowCompleted is logged when a flow reaches the completed status.
	EventFlowCompleted = "flow_completed"

	// EventFlowExpired is logged when validation rejects a flow past its expiry.
	EventFlowExpired = "flow_expired"

	// EventFlowStateMismatch is logged when a callback presents a state token
	// with no matching flow record.
	EventFlowStateMismatch = "flow_state_mismatch"

	// EventFlowReplayed is logged when a callback presents a state token whose
	// flow already reached a terminal status.
	EventFlowReplayed = "flow_replayed"

	// Circuit breaker and loop guard events

	// EventCircuitOpened is logged when consecutive failures open the circuit.
	EventCircuitOpened = "circuit_opened"

	// EventCircuitClosed is logged when the circuit closes again, either by
	// cooldown expiry or a successful attempt.
	EventCircuitClosed = "circuit_closed"

	// EventAttemptBlocked is logged when a rate gate rejects a login attempt.
	EventAttemptBlocked = "attempt_blocked"

	// EventLoopDetected is logged when the loop heuristic crosses its threshold.
	EventLoopDetected = "loop_detected"

	// EventRecoveryExecuted is logged when an automated recovery action runs.
	EventRecoveryExecuted = "recovery_executed"

	// Token lifecycle events

	// EventTokenStored is logged when a new token pair is persisted.
	EventTokenStored = "token_stored" //nolint:gosec // G101: event type name, not a credential

	// EventTokenRefreshed is logged when an access token is refreshed.
	EventTokenRefreshed = "token_refreshed"

	// EventTokenProactivelyRefreshed is logged when a token is refreshed ahead
	// of its expiry.
	EventTokenProactivelyRefreshed = "token_proactively_refreshed"

	// EventTokenRotated is logged when a refresh produced a new refresh token,
	// invalidating the old one.
	EventTokenRotated = "token_rotated"

	// EventRefreshReuseRejected is logged when the provider rejects an
	// already-rotated refresh token.
	EventRefreshReuseRejected = "refresh_reuse_rejected"

	// EventTokenRevoked is logged when a token is revoked at the provider.
	EventTokenRevoked = "token_revoked"

	// EventRevocationNotSupported is logged when the provider answers the
	// revocation endpoint with 404.
	EventRevocationNotSupported = "revocation_not_supported"

	// Logout and cross-context events

	// EventLogoutBroadcast is logged when this context broadcasts a logout.
	EventLogoutBroadcast = "logout_broadcast"

	// EventLogoutMirrored is logged when this context mirrors another
	// context's logout.
	EventLogoutMirrored = "logout_mirrored"

	// EventLogoutRateLimited is logged when the logout storm breaker trips.
	EventLogoutRateLimited = "logout_rate_limited"

	// EventLogoutDeferred is logged when a logout is held back behind an
	// in-flight auth operation.
	EventLogoutDeferred = "logout_deferred"

	// EventResultDeliveryFailed is logged when no transport could deliver a
	// flow outcome to the initiating context.
	EventResultDeliveryFailed = "result_delivery_failed"

	// Provider events

	// EventProviderError is logged when the provider returned error= on the
	// callback.
	EventProviderError = "provider_error"

	// EventExchangeFailed is logged when the code exchange is rejected.
	EventExchangeFailed = "exchange_failed"

	// EventTransportAborted is logged when a provider request was cancelled
	// by the transport layer mid-flight.
	EventTransportAborted = "transport_aborted"
)
