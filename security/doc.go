// Package security provides the security toolkit for the auth core: clock-skew
// tolerant expiry checks, per-identifier rate limiting, token encryption at
// rest, and audit logging of security-relevant auth events.
package security
