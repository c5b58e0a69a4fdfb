package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/giantswarm/authflow/bridge"
	"github.com/giantswarm/authflow/flow"
	"github.com/giantswarm/authflow/guard"
	"github.com/giantswarm/authflow/instrumentation"
	"github.com/giantswarm/authflow/provider"
	"github.com/giantswarm/authflow/security"
	"github.com/giantswarm/authflow/session"
)

// Context is one runtime context of the orchestrator: the flow store, circuit
// breaker, session coordinator, and bridge endpoints for a single tab-like
// execution context. Construct one per process and pass it by reference;
// there is no package-level state.
type Context struct {
	cfg     Config
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	metrics *instrumentation.Metrics

	flows     *flow.Store
	breaker   *guard.Breaker
	session   *session.Coordinator
	registry  *bridge.Registry
	bus       bridge.Bus
	storeChan *bridge.StoreChannel

	// callbackBusy short-circuits re-entrant callback handling for the same
	// navigation.
	callbackBusy atomic.Bool
}

// New creates a runtime context from cfg. State persisted by a previous
// incarnation of the same context (circuit snapshot, flow snapshot) is
// restored from the session store.
func New(cfg Config) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	encryptor, err := cfg.newEncryptor()
	if err != nil {
		return nil, err
	}
	auditor := security.NewAuditor(cfg.Logger, cfg.Security.EnableAuditLogging)

	inst := cfg.Instrumentation
	if inst == nil {
		inst, err = instrumentation.New(instrumentation.Config{})
		if err != nil {
			return nil, fmt.Errorf("creating instrumentation: %w", err)
		}
	}

	a := &Context{
		cfg:       cfg,
		logger:    cfg.Logger,
		auditor:   auditor,
		inst:      inst,
		metrics:   inst.Metrics(),
		flows:     flow.NewStore(cfg.Logger),
		breaker:   guard.NewBreaker(cfg.ContextID, cfg.Logger, auditor),
		registry:  cfg.Registry,
		bus:       cfg.Bus,
		storeChan: bridge.NewStoreChannel(cfg.Sessions, cfg.Logger),
	}
	a.breaker.SetMetrics(a.metrics)
	if err := inst.RegisterFlowCountCallback(func() int64 { return int64(a.flows.Len()) }); err != nil {
		a.logger.Debug("Flow count gauge not registered", "error", err)
	}

	coord, err := session.NewCoordinator(session.Config{
		ContextID: cfg.ContextID,
		Durable:   cfg.Durable,
		Sessions:  cfg.Sessions,
		Provider:  cfg.Provider,
		Bus:       cfg.Bus,
		Encryptor: encryptor,
		Auditor:   auditor,
		Logger:    cfg.Logger,
		Metrics:   inst.Metrics(),
	})
	if err != nil {
		return nil, err
	}
	a.session = coord

	// Survive a page-refresh-style restart of the same context.
	restoreCtx := context.Background()
	if err := a.breaker.Restore(restoreCtx, cfg.Sessions); err != nil {
		a.logger.Debug("Circuit state not restored", "error", err)
	}
	if err := a.flows.Restore(restoreCtx, cfg.Sessions); err != nil {
		a.logger.Debug("Flow snapshot not restored", "error", err)
	}

	return a, nil
}

// Session returns the token and identity coordinator.
func (a *Context) Session() *session.Coordinator { return a.session }

// Breaker returns the circuit breaker.
func (a *Context) Breaker() *guard.Breaker { return a.breaker }

// Flows returns the flow state store.
func (a *Context) Flows() *flow.Store { return a.flows }

// Instrumentation returns the OpenTelemetry wiring.
func (a *Context) Instrumentation() *instrumentation.Instrumentation { return a.inst }

// Run watches for cross-context logout signals until ctx is done.
func (a *Context) Run(ctx context.Context) error {
	return a.session.Run(ctx)
}

// SaveState snapshots the flow store and circuit breaker into the session
// store so a restarted context can pick them back up.
func (a *Context) SaveState(ctx context.Context) error {
	if err := a.flows.Snapshot(ctx, a.cfg.Sessions); err != nil {
		return fmt.Errorf("saving flow snapshot: %w", err)
	}
	if err := a.breaker.Snapshot(ctx, a.cfg.Sessions); err != nil {
		return fmt.Errorf("saving circuit state: %w", err)
	}
	return nil
}

// Close releases background resources.
func (a *Context) Close() {
	a.session.Close()
}

// Login is a started login flow: the minted flow record and the provider URL
// the user agent must be sent to.
type Login struct {
	Flow *flow.FlowState

	// State is the state parameter as sent to the provider. It differs from
	// Flow.State when account re-selection is forced.
	State string

	AuthURL string
}

// LoginOptions carries the optional knobs of StartLogin.
type LoginOptions struct {
	// ForceAccountSelection sends prompt=select_account and decorates the
	// state token so the provider's echo stays resolvable.
	ForceAccountSelection bool
}

// StartLogin consults the circuit breaker, mints a flow record, and builds
// the authorization URL. Interactive flows also register a direct inbox so
// the child context can reach this one.
func (a *Context) StartLogin(ctx context.Context, flowType flow.Type, opts *LoginOptions) (*Login, error) {
	if opts == nil {
		opts = &LoginOptions{}
	}

	attemptType := attemptTypeFor(flowType)
	if d := a.breaker.CanAttempt(attemptType); !d.Allowed {
		a.auditor.LogEvent(security.Event{
			Type:      security.EventAttemptBlocked,
			ContextID: a.cfg.ContextID,
			Details:   map[string]any{"reason": d.Reason},
		})
		a.metrics.RecordAttemptBlocked(ctx, d.Reason)
		return nil, ErrCircuitOpen(d.Reason, d.Wait)
	}

	f, err := a.flows.Create(flowType)
	if err != nil {
		return nil, fmt.Errorf("creating flow: %w", err)
	}

	state := f.State
	prompt := ""
	if opts.ForceAccountSelection {
		state = f.State + flow.ForcedReauthMarker + "reauth"
		prompt = "select_account"
	}

	authURL := a.cfg.Provider.AuthorizationURL(state, &provider.AuthOptions{
		CodeChallenge: f.CodeChallenge,
		Nonce:         f.Nonce,
		Prompt:        prompt,
	})

	if flowType == flow.TypeInteractive {
		a.registry.Register(f.ID, a.cfg.Origin)
	}

	a.metrics.RecordFlowStarted(ctx, string(flowType))
	a.auditor.LogFlowStarted(f.ID, a.cfg.ContextID, string(flowType))
	if err := a.flows.Snapshot(ctx, a.cfg.Sessions); err != nil {
		a.logger.Debug("Flow snapshot failed", "error", err)
	}

	return &Login{Flow: f, State: state, AuthURL: authURL}, nil
}

// AwaitLoginResult blocks until the child context delivers the terminal
// message for flowID, acknowledges it, and applies it: a success message
// establishes the session, an error message is returned as an *AuthError.
// Bound the wait through ctx.
func (a *Context) AwaitLoginResult(ctx context.Context, flowID string) (session.Identity, error) {
	inbox, _ := a.registry.Lookup(flowID)
	listener, err := bridge.NewListener(bridge.ListenerConfig{
		FlowID: flowID,
		Inbox:  inbox,
		Bus:    a.bus,
		Store:  a.storeChan,
		AckTransports: []bridge.Transport{
			bridge.NewDirect(a.registry, bridge.ChildID(flowID), a.cfg.TrustedOrigins),
			bridge.NewBroadcaster(a.bus, bridge.DefaultChannel, a.logger),
			a.storeChan,
		},
		Logger: a.logger,
	})
	if err != nil {
		return session.Identity{}, err
	}
	defer a.registry.Unregister(flowID)

	msg, err := listener.AwaitResult(ctx)
	if err != nil {
		return session.Identity{}, err
	}

	switch msg.Kind {
	case bridge.KindSuccess:
		return a.session.EstablishSession(ctx, msg.Token.OAuth2Token())
	case bridge.KindError:
		return session.Identity{}, a.authErrorFromMessage(msg)
	default:
		return session.Identity{}, fmt.Errorf("unexpected terminal message kind %q", msg.Kind)
	}
}

// checkLoopAndRecover runs loop detection after a failed attempt and, when a
// loop is reported, executes the automated recovery actions.
func (a *Context) checkLoopAndRecover(ctx context.Context) {
	report := a.breaker.DetectLoop()
	if !report.InLoop {
		return
	}
	ran, err := guard.ExecuteAutomatedRecovery(ctx, a.session, report, a.logger)
	if err != nil {
		a.logger.Error("Automated loop recovery failed", "error", err)
		return
	}
	a.auditor.LogEvent(security.Event{
		Type:      security.EventRecoveryExecuted,
		ContextID: a.cfg.ContextID,
		Details:   map[string]any{"actions": ran, "confidence": report.Confidence},
	})
}

// authErrorFromMessage maps a bridge error message onto the error taxonomy.
func (a *Context) authErrorFromMessage(msg bridge.Message) *AuthError {
	switch msg.ErrorCode {
	case ErrorCodeFlowNotFound:
		return ErrFlowNotFound(msg.Reason)
	case ErrorCodeFlowExpired:
		return ErrFlowExpired(msg.Reason)
	case ErrorCodeFlowConsumed:
		return ErrFlowConsumed(msg.Reason)
	case ErrorCodeTransportAborted:
		return ErrTransportAborted(msg.Reason)
	case ErrorCodeExchangeFailed:
		return ErrExchangeFailed(msg.Reason)
	case ErrorCodeLoginRequired, ErrorCodeAccountSelection:
		return NewAuthError(msg.ErrorCode, msg.Reason, http.StatusBadRequest)
	default:
		return ErrProviderError(msg.Reason)
	}
}

// authErrorForValidation maps a flow validation failure onto the taxonomy.
func authErrorForValidation(v flow.Validation) *AuthError {
	switch v.Reason {
	case flow.ReasonExpired:
		return ErrFlowExpired("login attempt expired, start again")
	case flow.ReasonAlreadyConsumed:
		return ErrFlowConsumed("login attempt was already completed")
	default:
		return ErrFlowNotFound("no login attempt matches the returned state")
	}
}

// attemptTypeFor maps a flow type to the breaker's attempt classification:
// only interactive flows count as manual.
func attemptTypeFor(t flow.Type) guard.AttemptType {
	if t == flow.TypeInteractive {
		return guard.TypeManual
	}
	return guard.TypeAuto
}

// errorCodeForExchange classifies a failed code exchange.
func errorCodeForExchange(err error) string {
	if guard.IsAbortError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTransportAborted
	}
	return ErrorCodeExchangeFailed
}
