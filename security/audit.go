package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/authflow/internal/util"
)

// Auditor handles security event logging with PII protection. Subject
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is one security audit record.
type Event struct {
	Type      string
	Subject   string // user or session identifier, hashed before logging
	FlowID    string
	ContextID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"flow_id", event.FlowID,
		"context_id", event.ContextID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogFlowStarted logs the start of a login flow.
func (a *Auditor) LogFlowStarted(flowID, contextID, flowType string) {
	a.LogEvent(Event{
		Type:      EventFlowStarted,
		FlowID:    flowID,
		ContextID: contextID,
		Details:   map[string]any{"flow_type": flowType},
	})
}

// LogCircuitOpened logs a circuit transition to Open.
func (a *Auditor) LogCircuitOpened(contextID string, consecutiveFailures int, cooldown time.Duration) {
	a.LogEvent(Event{
		Type:      EventCircuitOpened,
		ContextID: contextID,
		Details: map[string]any{
			"consecutive_failures": consecutiveFailures,
			"cooldown_seconds":     cooldown.Seconds(),
		},
	})
}

// LogLoopDetected logs a loop heuristic trip with its named indicators.
func (a *Auditor) LogLoopDetected(contextID string, confidence int, indicators []string) {
	a.LogEvent(Event{
		Type:      EventLoopDetected,
		ContextID: contextID,
		Details: map[string]any{
			"confidence": confidence,
			"indicators": indicators,
		},
	})
}

// LogTokenRotated logs a refresh token rotation.
func (a *Auditor) LogTokenRotated(subject, contextID string) {
	a.LogEvent(Event{
		Type:      EventTokenRotated,
		Subject:   subject,
		ContextID: contextID,
	})
}

// LogRefreshReuseRejected logs the provider rejecting a stale refresh token.
func (a *Auditor) LogRefreshReuseRejected(subject, contextID string) {
	a.LogEvent(Event{
		Type:      EventRefreshReuseRejected,
		Subject:   subject,
		ContextID: contextID,
	})
}

// LogLogoutBroadcast logs this context broadcasting a logout.
func (a *Auditor) LogLogoutBroadcast(subject, contextID, reason string) {
	a.LogEvent(Event{
		Type:      EventLogoutBroadcast,
		Subject:   subject,
		ContextID: contextID,
		Details:   map[string]any{"reason": reason},
	})
}

// hashForLogging creates a truncated SHA256 hash of sensitive data.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return util.SafeTruncate(hex.EncodeToString(hash[:]), 16)
}
