// Package session coordinates the token lifecycle across runtime contexts.
//
// The Coordinator persists rotated token pairs as single atomic updates,
// coalesces concurrent refreshes into one provider round trip, and keeps
// every context's view of the session consistent: a logout in one context is
// broadcast on the bus and mirrored by the others without rebroadcasting,
// with a storm breaker capping how often logout handling may run.
//
// Refresh tokens are single use. A rejected refresh is resolved against the
// durable store exactly once: if another context already rotated, its stored
// pair is adopted; otherwise the failure is surfaced and the stale token is
// never retried.
package session
