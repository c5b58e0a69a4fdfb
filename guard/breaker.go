package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/authflow/instrumentation"
	"github.com/giantswarm/authflow/security"
	"github.com/giantswarm/authflow/storage"
)

// Breaker defaults.
const (
	// DefaultCooldown is how long the circuit stays Open before attempts are
	// allowed again.
	DefaultCooldown = 30 * time.Second

	// maxAttemptsPerWindow is the hard rate limit: no more than this many
	// attempts of any kind within rateWindow.
	maxAttemptsPerWindow = 3

	// maxAbortedPerWindow blocks attempts when this many aborted attempts
	// landed within rateWindow.
	maxAbortedPerWindow = 3

	// rateWindow is the trailing window for the two gates above.
	rateWindow = time.Minute

	// maxConsecutiveFailures opens the circuit.
	maxConsecutiveFailures = 5

	// attemptRetention bounds the attempt log.
	attemptRetention = time.Hour
)

// State is the circuit's macro-state.
type State string

const (
	// StateClosed allows attempts, subject to the rate gates.
	StateClosed State = "closed"

	// StateOpen blocks automatic attempts until the cooldown elapses.
	StateOpen State = "open"
)

// Decision is the outcome of a CanAttempt check.
type Decision struct {
	Allowed bool
	Reason  string
	// Wait is how long the caller should hold off before trying again.
	// Zero when Allowed.
	Wait time.Duration
}

// Breaker is the circuit breaker guarding login attempts. It keeps a trailing
// attempt log, counts consecutive failures, and flips Open after too many,
// closing again after a fixed cooldown or on the first success.
type Breaker struct {
	mu                  sync.Mutex
	attempts            []Attempt
	consecutiveFailures int
	totalAborted        int
	state               State
	openedAt            time.Time

	cooldown  time.Duration
	logger    *slog.Logger
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
	contextID string

	now func() time.Time
}

// NewBreaker creates a closed breaker. The auditor may be nil.
func NewBreaker(contextID string, logger *slog.Logger, auditor *security.Auditor) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = security.NewAuditor(logger, false)
	}
	return &Breaker{
		state:     StateClosed,
		cooldown:  DefaultCooldown,
		logger:    logger,
		auditor:   auditor,
		contextID: contextID,
		now:       time.Now,
	}
}

// SetMetrics enables metric recording. Safe to skip; a nil holder is a no-op.
func (b *Breaker) SetMetrics(m *instrumentation.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// CanAttempt decides whether a new attempt of the given type may start.
//
// In Closed state an attempt is rejected when the trailing minute already
// holds three attempts of any kind, when it holds three aborted attempts, or,
// for automatic attempts only, when five consecutive failures accumulated.
// In Open state automatic attempts are blocked until the cooldown elapses;
// manual attempts pass through.
func (b *Breaker) CanAttempt(attemptType AttemptType) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)
	b.maybeAutoClose(now)

	// Aborted-attempt gate, applies to every attempt type and is checked
	// before the general rate limit so its distinct reason surfaces. Aborted
	// requests are a loop symptom, so a human retrying into the same loop
	// helps nobody.
	recent := b.attemptsSince(now.Add(-rateWindow))
	aborted := 0
	for _, a := range recent {
		if a.Aborted {
			aborted++
		}
	}
	if aborted >= maxAbortedPerWindow {
		wait := recent[0].Time.Add(rateWindow).Sub(now)
		return Decision{
			Reason: fmt.Sprintf("aborted-attempt gate: %d aborted attempts in the last minute", aborted),
			Wait:   wait,
		}
	}

	// Hard rate limit, applies to every attempt type.
	if len(recent) >= maxAttemptsPerWindow {
		wait := recent[0].Time.Add(rateWindow).Sub(now)
		return Decision{
			Reason: fmt.Sprintf("rate limit: %d attempts in the last minute", len(recent)),
			Wait:   wait,
		}
	}

	if b.state == StateOpen {
		if attemptType == TypeManual {
			return Decision{Allowed: true}
		}
		wait := b.openedAt.Add(b.cooldown).Sub(now)
		return Decision{
			Reason: "circuit open",
			Wait:   wait,
		}
	}

	if attemptType == TypeAuto && b.consecutiveFailures >= maxConsecutiveFailures {
		return Decision{
			Reason: fmt.Sprintf("%d consecutive failures", b.consecutiveFailures),
			Wait:   b.cooldown,
		}
	}

	return Decision{Allowed: true}
}

// RecordAttempt appends an attempt to the log. A success clears the
// consecutive-failure count and force-closes the circuit; a failure increments
// it and opens the circuit at the threshold. Failures whose error text points
// at a transport-layer cancellation are counted as aborted.
func (b *Breaker) RecordAttempt(attemptType AttemptType, success bool, err error, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.prune(now)

	a := Attempt{
		Time:    now,
		Type:    attemptType,
		Success: success,
		Path:    path,
	}
	if err != nil {
		a.Error = err.Error()
		a.Aborted = IsAbortError(err)
	}
	b.attempts = append(b.attempts, a)
	b.metrics.RecordAttempt(context.Background(), string(attemptType), success)

	if success {
		b.consecutiveFailures = 0
		if b.state == StateOpen {
			b.close("successful attempt")
		}
		return
	}

	b.consecutiveFailures++
	if a.Aborted {
		b.totalAborted++
	}

	if b.state == StateClosed && b.consecutiveFailures >= maxConsecutiveFailures {
		b.state = StateOpen
		b.openedAt = now
		b.logger.Warn("Circuit opened",
			"consecutive_failures", b.consecutiveFailures,
			"cooldown", b.cooldown)
		b.auditor.LogCircuitOpened(b.contextID, b.consecutiveFailures, b.cooldown)
		b.metrics.RecordCircuitTransition(context.Background(), string(StateOpen))
	}
}

// State returns the current macro-state, closing the circuit first when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeAutoClose(b.now())
	return b.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// DetectDoubleInit reports whether two attempts landed within 200ms of each
// other inside the loop-detection window. That spacing is a symptom of
// duplicate initialization (two components both kicking off a login) rather
// than genuine retrying, so it is scored separately.
func (b *Breaker) DetectDoubleInit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return detectDoubleInit(b.attemptsSince(b.now().Add(-loopWindow)))
}

// DetectLoop runs the loop heuristic over the trailing two minutes of the
// attempt log. The result is diagnostic: it drives recovery actions, never
// the CanAttempt gates.
func (b *Breaker) DetectLoop() Report {
	b.mu.Lock()
	attempts := b.attemptsSince(b.now().Add(-loopWindow))
	now := b.now()
	b.mu.Unlock()

	report := DetectLoop(attempts, now)
	b.metrics.RecordLoopConfidence(context.Background(), float64(report.Confidence))
	if report.InLoop {
		b.logger.Warn("Authentication loop detected",
			"confidence", report.Confidence, "indicators", report.Indicators)
		b.auditor.LogLoopDetected(b.contextID, report.Confidence, report.Indicators)
	}
	return report
}

// Attempts returns a copy of the attempt log inside the given trailing window.
func (b *Breaker) Attempts(window time.Duration) []Attempt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Attempt(nil), b.attemptsSince(b.now().Add(-window))...)
}

// close transitions Open to Closed. Caller holds the mutex.
func (b *Breaker) close(cause string) {
	b.state = StateClosed
	b.openedAt = time.Time{}
	b.logger.Info("Circuit closed", "cause", cause)
	b.metrics.RecordCircuitTransition(context.Background(), string(StateClosed))
}

// maybeAutoClose closes the circuit when the cooldown has elapsed. Caller
// holds the mutex.
func (b *Breaker) maybeAutoClose(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.close("cooldown elapsed")
	}
}

// prune drops attempts older than the retention horizon. Caller holds the
// mutex.
func (b *Breaker) prune(now time.Time) {
	horizon := now.Add(-attemptRetention)
	cut := 0
	for cut < len(b.attempts) && b.attempts[cut].Time.Before(horizon) {
		cut++
	}
	if cut > 0 {
		b.attempts = append([]Attempt(nil), b.attempts[cut:]...)
	}
}

// attemptsSince returns the suffix of the log at or after t. Caller holds the
// mutex; the log is append-only and time-ordered.
func (b *Breaker) attemptsSince(t time.Time) []Attempt {
	start := len(b.attempts)
	for start > 0 && !b.attempts[start-1].Time.Before(t) {
		start--
	}
	return b.attempts[start:]
}

// snapshot is the persisted form of the breaker. The last success time and
// the double-init count are not stored here; both are derived on demand from
// the attempt log, which is persisted alongside.
type snapshot struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalAborted        int       `json:"total_aborted"`
	State               State     `json:"state"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Snapshot persists the circuit state and the attempt log into the session
// store so a reloaded context resumes mid-cooldown instead of forgetting a
// retry storm.
func (b *Breaker) Snapshot(ctx context.Context, sessions storage.SessionStore) error {
	b.mu.Lock()
	b.prune(b.now())
	snap := snapshot{
		ConsecutiveFailures: b.consecutiveFailures,
		TotalAborted:        b.totalAborted,
		State:               b.state,
		OpenedAt:            b.openedAt,
	}
	attempts := append([]Attempt(nil), b.attempts...)
	b.mu.Unlock()

	stateData, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode circuit state: %w", err)
	}
	logData, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("failed to encode attempt log: %w", err)
	}

	if err := sessions.Set(ctx, storage.KeyCircuitState, string(stateData)); err != nil {
		return fmt.Errorf("failed to persist circuit state: %w", err)
	}
	if err := sessions.Set(ctx, storage.KeyAttemptLog, string(logData)); err != nil {
		return fmt.Errorf("failed to persist attempt log: %w", err)
	}
	return nil
}

// Restore loads a snapshot written by Snapshot. A missing snapshot leaves the
// breaker in its fresh Closed state; an Open circuit whose cooldown elapsed
// while the context was away closes immediately.
func (b *Breaker) Restore(ctx context.Context, sessions storage.SessionStore) error {
	stateData, err := sessions.Get(ctx, storage.KeyCircuitState)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read circuit state: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(stateData), &snap); err != nil {
		return fmt.Errorf("failed to decode circuit state: %w", err)
	}

	var attempts []Attempt
	logData, err := sessions.Get(ctx, storage.KeyAttemptLog)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return fmt.Errorf("failed to read attempt log: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(logData), &attempts); err != nil {
			return fmt.Errorf("failed to decode attempt log: %w", err)
		}
	}

	b.mu.Lock()
	b.consecutiveFailures = snap.ConsecutiveFailures
	b.totalAborted = snap.TotalAborted
	b.state = snap.State
	b.openedAt = snap.OpenedAt
	b.attempts = attempts
	now := b.now()
	b.prune(now)
	b.maybeAutoClose(now)
	b.mu.Unlock()

	b.logger.Debug("Circuit state restored",
		"state", snap.State, "consecutive_failures", snap.ConsecutiveFailures,
		"attempts", len(attempts))
	return nil
}
