package guard

import (
	"strings"
	"time"
)

// AttemptType classifies who initiated a login attempt.
type AttemptType string

const (
	// TypeAuto is an attempt initiated by the application itself, such as a
	// silent re-authentication or an automated retry.
	TypeAuto AttemptType = "auto"

	// TypeManual is an attempt initiated by an explicit user action. Manual
	// attempts bypass the consecutive-failure gate and the Open cooldown so a
	// human always has an escape hatch, but they remain subject to the hard
	// rate limit and the aborted-attempt gate. This asymmetry is deliberate
	// policy; see RecordAttempt.
	TypeManual AttemptType = "manual"
)

// PathCallback labels attempts recorded by the callback handler. The loop
// heuristic treats repeated failures there as a distinct signal because a
// broken callback fails every flow regardless of how it started.
const PathCallback = "callback"

// Attempt is one recorded login attempt.
type Attempt struct {
	Time    time.Time   `json:"time"`
	Type    AttemptType `json:"type"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Path    string      `json:"path,omitempty"`
	Aborted bool        `json:"aborted"`
}

// abortMarkers are substrings of transport-layer cancellation errors. An
// aborted request is a loop symptom distinct from an ordinary failure: it
// usually means a navigation or re-render tore the request down mid-flight.
var abortMarkers = []string{
	"abort",
	"context canceled",
	"context cancelled",
	"request canceled",
	"request cancelled",
	"connection reset",
}

// IsAbortError reports whether an error's text indicates the request was
// cancelled by the transport layer rather than rejected by the peer.
func IsAbortError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, marker := range abortMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
