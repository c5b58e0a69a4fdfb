package guard

import (
	"context"
	"fmt"
	"log/slog"
)

// Recovery action names, stable for logs and tests.
const (
	ActionClearAuthKeys = "clear_oauth_keys_and_retry"
	ActionClearAll      = "clear_all_state_and_retry"
	ActionManualLogin   = "manual_login"
	ActionWaitForReset  = "wait_for_circuit_reset"
)

// RecoveryAction is one suggested way out of a detected loop. Automated
// actions may run without user confirmation; the rest require an explicit
// user decision.
type RecoveryAction struct {
	Name        string
	Description string
	Priority    int // lower runs or is suggested first
	Automated   bool
}

// StateCleaner clears persisted state on behalf of automated recovery. The
// session coordinator implements it; the guard package stays ignorant of
// which keys exist.
type StateCleaner interface {
	// ClearAuthKeys removes only the OAuth-specific keys: flow snapshots,
	// in-progress markers, and the circuit state itself.
	ClearAuthKeys(ctx context.Context) error

	// ClearAll removes all locally persisted session state.
	ClearAll(ctx context.Context) error
}

// RecoveryActions suggests ranked ways out of the reported loop. With no loop
// there is nothing to recover from and the list is empty.
func RecoveryActions(report Report) []RecoveryAction {
	if !report.InLoop {
		return nil
	}

	actions := []RecoveryAction{
		{
			Name:        ActionClearAuthKeys,
			Description: "Clear OAuth state keys and retry the login once",
			Priority:    1,
			Automated:   true,
		},
		{
			Name:        ActionClearAll,
			Description: "Clear all local session state and retry the login once",
			Priority:    2,
			Automated:   true,
		},
		{
			Name:        ActionManualLogin,
			Description: "Ask the user to log in manually",
			Priority:    3,
		},
		{
			Name:        ActionWaitForReset,
			Description: "Wait for the circuit cooldown to elapse",
			Priority:    4,
		},
	}
	return actions
}

// ExecuteAutomatedRecovery runs the automated portion of the suggested
// actions: at low confidence only the OAuth keys are cleared, at high
// confidence everything is. Returns the names of the actions that ran.
func ExecuteAutomatedRecovery(ctx context.Context, cleaner StateCleaner, report Report, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !report.InLoop {
		return nil, nil
	}

	action := ActionClearAuthKeys
	clear := cleaner.ClearAuthKeys
	if report.Confidence >= 75 {
		action = ActionClearAll
		clear = cleaner.ClearAll
	}

	logger.Info("Executing automated loop recovery",
		"action", action, "confidence", report.Confidence)

	if err := clear(ctx); err != nil {
		return nil, fmt.Errorf("recovery action %s failed: %w", action, err)
	}
	return []string{action}, nil
}
