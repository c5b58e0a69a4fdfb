package authflow

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/authflow/bridge"
	"github.com/giantswarm/authflow/flow"
	"github.com/giantswarm/authflow/guard"
	"github.com/giantswarm/authflow/instrumentation"
	"github.com/giantswarm/authflow/internal/util"
	"github.com/giantswarm/authflow/security"
)

// Handler serves the OAuth callback and login endpoints for one runtime
// context.
type Handler struct {
	ac     *Context
	logger *slog.Logger
}

// NewHandler creates the HTTP handler around a runtime context.
func NewHandler(ac *Context, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = ac.logger
	}
	return &Handler{ac: ac, logger: logger}
}

// RegisterRoutes mounts the handler's endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/callback", h.ServeCallback)
	mux.HandleFunc("/oauth/login", h.ServeLogin)
}

// errorPageTemplate is the HTML error page for top-level callbacks. The meta
// refresh sends the user to manual login after 5 seconds.
const errorPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5;url={{.LoginURL}}">
<title>Sign-in failed</title>
</head>
<body>
<h1>Sign-in failed</h1>
<p>{{.Description}} ({{.Code}})</p>
<p>You will be redirected to the login page in 5 seconds.
<a href="{{.LoginURL}}">Go there now</a>.</p>
</body>
</html>`

// closePageTemplate is served to a child context once its result handshake is
// done. The script close may be refused by a window the script did not open,
// hence the manual instruction.
const closePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<p>{{.Message}}</p>
<p>This window should close itself. If it does not, you can close it now.</p>
<script>window.close();</script>
</body>
</html>`

var (
	errorPageTmpl = template.Must(template.New("error").Parse(errorPageTemplate))
	closePageTmpl = template.Must(template.New("close").Parse(closePageTemplate))
)

type errorPageData struct {
	Code        string
	Description string
	LoginURL    string
}

type closePageData struct {
	Title   string
	Message string
}

// ServeLogin starts a login flow and redirects the user agent to the
// provider. The flow type comes from the "type" query parameter and defaults
// to interactive; "force_account_selection=1" forces account re-selection.
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flowType := flow.TypeInteractive
	switch r.URL.Query().Get("type") {
	case string(flow.TypeSilent):
		flowType = flow.TypeSilent
	case string(flow.TypeRetry):
		flowType = flow.TypeRetry
	}
	opts := &LoginOptions{
		ForceAccountSelection: r.URL.Query().Get("force_account_selection") == "1",
	}

	login, err := h.ac.StartLogin(r.Context(), flowType, opts)
	if err != nil {
		h.logger.Warn("Login start rejected", "error", err)
		if authErr, ok := err.(*AuthError); ok {
			if authErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(authErr.RetryAfter.Seconds())))
			}
			http.Error(w, authErr.Error(), authErr.Status)
			return
		}
		http.Error(w, "login could not be started", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, login.AuthURL, http.StatusFound)
}

// ServeCallback is the provider redirect target. One invocation walks the
// callback state machine to exactly one terminal: redirect home, error page,
// or child-context result handshake. A second invocation for the same
// navigation is short-circuited as a no-op while the first is still running.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.ac.inst.Tracer("handler").Start(r.Context(), "oauth.callback")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.ac.callbackBusy.CompareAndSwap(false, true) {
		h.logger.Debug("Re-entrant callback invocation short-circuited")
		h.ac.metrics.RecordCallback(ctx, "reentrant")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "authentication already in progress")
		return
	}
	defer h.ac.callbackBusy.Store(false)

	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	errParam := q.Get("error")

	switch {
	case errParam != "":
		h.ac.metrics.RecordCallback(ctx, "provider_error")
		h.handleProviderError(ctx, w, state, errParam, q.Get("error_description"))
	case code != "":
		h.ac.metrics.RecordCallback(ctx, "code")
		h.handleCodeExchange(ctx, w, r, code, state)
	default:
		h.ac.metrics.RecordCallback(ctx, "bare")
		h.handleBareCallback(ctx, w, r)
	}
}

// handleBareCallback serves a callback with neither code nor error. With a
// valid stored token the user lands on the application root; no network call
// is made either way.
func (h *Handler) handleBareCallback(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	tok, err := h.ac.session.Tokens(ctx)
	if err == nil && (tok.Expiry.IsZero() || !security.IsExpired(tok.Expiry)) {
		http.Redirect(w, r, h.ac.cfg.AppRootURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, h.ac.cfg.LoginURL, http.StatusFound)
}

// handleProviderError terminates a flow the provider answered with error=...
func (h *Handler) handleProviderError(ctx context.Context, w http.ResponseWriter, state, errCode, errDesc string) {
	h.logger.Warn("Provider returned error", "error", errCode, "description", errDesc)

	v := h.ac.flows.Validate(state)
	attemptType := guard.TypeAuto
	if v.OK {
		attemptType = attemptTypeFor(v.Flow.Type)
		h.failFlow(v.Flow.ID)
	}

	h.ac.breaker.RecordAttempt(attemptType, false,
		fmt.Errorf("provider error %s: %s", errCode, errDesc), guard.PathCallback)
	h.ac.auditor.LogEvent(security.Event{
		Type:      security.EventProviderError,
		ContextID: h.ac.cfg.ContextID,
		Details:   map[string]any{"error": errCode},
	})
	h.ac.checkLoopAndRecover(ctx)

	authErr := classifyProviderError(errCode, errDesc)
	if v.OK && v.Flow.Type == flow.TypeInteractive {
		h.notifyChildResult(ctx, w, v.Flow.ID, bridge.NewError(v.Flow.ID, authErr.Code, authErr.Description))
		return
	}
	h.serveErrorPage(w, authErr)
}

// handleCodeExchange validates the returned state, redeems the code, and
// hands the token off: to the session coordinator in top-level mode, to the
// parent context over the bridge in child mode.
func (h *Handler) handleCodeExchange(ctx context.Context, w http.ResponseWriter, r *http.Request, code, state string) {
	if state == "" {
		h.serveErrorPage(w, ErrInvalidRequest("callback is missing the state parameter"))
		return
	}

	v := h.ac.flows.Validate(state)
	if !v.OK {
		h.logger.Warn("State validation failed",
			"reason", v.Reason, "state_prefix", util.SafeTruncate(state, 8))
		h.ac.breaker.RecordAttempt(guard.TypeAuto, false,
			fmt.Errorf("state validation failed: %s", v.Reason), guard.PathCallback)
		h.ac.auditor.LogEvent(security.Event{
			Type:      security.EventFlowStateMismatch,
			ContextID: h.ac.cfg.ContextID,
			Details:   map[string]any{"reason": string(v.Reason)},
		})
		h.ac.checkLoopAndRecover(ctx)
		h.serveErrorPage(w, authErrorForValidation(v))
		return
	}

	f := v.Flow
	attemptType := attemptTypeFor(f.Type)
	childMode := f.Type == flow.TypeInteractive
	instrumentation.AddFlowAttributes(trace.SpanFromContext(ctx), f.ID, string(f.Type))

	h.advance(f.ID, flow.StatusRedirected)

	if d := h.ac.breaker.CanAttempt(attemptType); !d.Allowed {
		h.failFlow(f.ID)
		authErr := ErrCircuitOpen(d.Reason, d.Wait)
		if childMode {
			h.notifyChildResult(ctx, w, f.ID, bridge.NewError(f.ID, authErr.Code, authErr.Description))
			return
		}
		h.serveErrorPage(w, authErr)
		return
	}

	h.advance(f.ID, flow.StatusTokenExchange)

	tok, err := h.ac.cfg.Provider.ExchangeCode(ctx, code, f.CodeVerifier)
	h.ac.metrics.RecordCodeExchange(ctx, err == nil)
	if err != nil {
		instrumentation.RecordError(trace.SpanFromContext(ctx), err)
		h.logger.Error("Code exchange failed", "flow_id", f.ID, "error", err)
		h.failFlow(f.ID)
		h.ac.breaker.RecordAttempt(attemptType, false, err, guard.PathCallback)
		h.ac.auditor.LogEvent(security.Event{
			Type:      security.EventExchangeFailed,
			FlowID:    f.ID,
			ContextID: h.ac.cfg.ContextID,
		})
		h.ac.checkLoopAndRecover(ctx)

		errCode := errorCodeForExchange(err)
		authErr := NewAuthError(errCode, "the authorization code could not be exchanged", http.StatusBadGateway)
		if childMode {
			h.notifyChildResult(ctx, w, f.ID, bridge.NewError(f.ID, errCode, authErr.Description))
			return
		}
		h.serveErrorPage(w, authErr)
		return
	}

	h.advance(f.ID, flow.StatusCompleted)
	h.ac.breaker.RecordAttempt(attemptType, true, nil, guard.PathCallback)
	h.ac.auditor.LogEvent(security.Event{
		Type:      security.EventFlowCompleted,
		FlowID:    f.ID,
		ContextID: h.ac.cfg.ContextID,
	})
	h.saveState(ctx)

	if childMode {
		h.notifyChildResult(ctx, w, f.ID, bridge.NewSuccess(f.ID, bridge.NewTokenPayload(tok)))
		return
	}

	if _, err := h.ac.session.EstablishSession(ctx, tok); err != nil {
		h.logger.Warn("Session established without identity", "error", err)
	}
	http.Redirect(w, r, h.ac.cfg.AppRootURL, http.StatusFound)
}

// notifyChildResult delivers a terminal message to the parent context over
// the full transport triad, waits for the acknowledgment, and releases this
// child by serving its close page.
func (h *Handler) notifyChildResult(ctx context.Context, w http.ResponseWriter, flowID string, msg bridge.Message) {
	childID := bridge.ChildID(flowID)
	inbox := h.ac.registry.Register(childID, h.ac.cfg.Origin)
	defer h.ac.registry.Unregister(childID)

	direct := bridge.NewDirect(h.ac.registry, flowID, h.ac.cfg.TrustedOrigins)
	broadcast := bridge.NewBroadcaster(h.ac.bus, bridge.DefaultChannel, h.logger)

	// Announce readiness on the live channels so the parent knows a direct
	// acknowledgement can reach us. The store is skipped: a stored readiness
	// signal is stale by the time anything polls it.
	loaded := bridge.NewLoaded(flowID)
	for _, t := range []bridge.Transport{direct, broadcast} {
		if err := t.Deliver(ctx, loaded); err != nil {
			h.logger.Debug("Readiness announcement failed",
				"transport", t.Name(), "flow_id", flowID, "error", err)
		}
	}

	courier, err := bridge.NewCourier(bridge.CourierConfig{
		FlowID: flowID,
		Transports: []bridge.Transport{
			direct,
			broadcast,
			h.ac.storeChan,
		},
		Inbox:      inbox,
		Bus:        h.ac.bus,
		Store:      h.ac.storeChan,
		AckTimeout: h.ac.cfg.AckTimeout,
		Closer: func() error {
			h.serveClosePage(w, msg)
			return nil
		},
		OnManualRelease: func() {
			h.serveClosePage(w, msg)
		},
		Logger:  h.logger,
		Metrics: h.ac.metrics,
	})
	if err != nil {
		h.logger.Error("Courier setup failed", "flow_id", flowID, "error", err)
		h.serveErrorPage(w, ErrProviderError("result delivery failed"))
		return
	}

	if err := courier.SendResult(ctx, msg); err != nil {
		h.logger.Error("Result delivery failed", "flow_id", flowID, "error", err)
		h.ac.auditor.LogEvent(security.Event{
			Type:      security.EventResultDeliveryFailed,
			FlowID:    flowID,
			ContextID: h.ac.cfg.ContextID,
		})
		h.serveClosePage(w, msg)
	}
}

func (h *Handler) serveClosePage(w http.ResponseWriter, msg bridge.Message) {
	data := closePageData{Title: "Sign-in complete", Message: "You are signed in."}
	if msg.Kind == bridge.KindError {
		data = closePageData{Title: "Sign-in failed", Message: "The sign-in did not complete. The application window has the details."}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := closePageTmpl.Execute(w, data); err != nil {
		h.logger.Error("Close page rendering failed", "error", err)
	}
}

func (h *Handler) serveErrorPage(w http.ResponseWriter, authErr *AuthError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(authErr.Status)
	err := errorPageTmpl.Execute(w, errorPageData{
		Code:        authErr.Code,
		Description: authErr.Description,
		LoginURL:    h.ac.cfg.LoginURL,
	})
	if err != nil {
		h.logger.Error("Error page rendering failed", "error", err)
	}
}

func (h *Handler) advance(flowID string, status flow.Status) {
	if err := h.ac.flows.Advance(flowID, status); err != nil {
		h.logger.Debug("Flow transition rejected", "flow_id", flowID, "status", status, "error", err)
	}
}

func (h *Handler) failFlow(flowID string) {
	h.advance(flowID, flow.StatusFailed)
}

func (h *Handler) saveState(ctx context.Context) {
	if err := h.ac.SaveState(ctx); err != nil {
		h.logger.Debug("State snapshot failed", "error", err)
	}
}

// classifyProviderError maps a provider callback error onto the taxonomy.
func classifyProviderError(code, desc string) *AuthError {
	if desc == "" {
		desc = "the identity provider rejected the login"
	}
	switch code {
	case "login_required", "interaction_required":
		return NewAuthError(ErrorCodeLoginRequired, desc, http.StatusUnauthorized)
	case "account_selection_required":
		return NewAuthError(ErrorCodeAccountSelection, desc, http.StatusUnauthorized)
	default:
		return ErrProviderError(desc)
	}
}
