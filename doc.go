// Package authflow orchestrates a PKCE OAuth login that may run in a
// separate child context, against a provider that can silently succeed,
// silently fail, or abort mid-flight.
//
// A Context composes the component packages: flow (in-flight attempt
// records), guard (circuit breaker and loop detection), bridge (redundant
// cross-context result delivery with an acknowledgment handshake), session
// (token rotation and cross-tab logout sync), and provider (the identity
// provider client). Handler exposes the callback and login endpoints over
// net/http.
//
// Construct one Context per runtime context and pass it by reference; the
// package keeps no global state.
package authflow
