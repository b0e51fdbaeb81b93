package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Flow states recorded on spans
const (
	stateRequested      = "requested"
	stateValidated      = "validated"
	stateConsentPending = "consent_pending"
	stateConsentGranted = "consent_granted"
	stateConsentDenied  = "consent_denied"
	stateCodeIssued     = "code_issued"
	stateError          = "error"
)

// AuthorizationRequest carries the /authorize query parameters
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ConsentDecision is a submitted consent form
type ConsentDecision struct {
	ClientID  string
	CSRFState string
	Approved  bool
}

// OutcomeKind tells the HTTP layer how to finish an authorization request
type OutcomeKind int

const (
	// OutcomeRedirect sends the user agent to RedirectURL (code or error)
	OutcomeRedirect OutcomeKind = iota

	// OutcomeConsent renders the consent page described by Consent
	OutcomeConsent

	// OutcomeLogin sends the user to the login URL
	OutcomeLogin

	// OutcomeError shows Err directly. Used whenever the redirect URI
	// could not be trusted.
	OutcomeError
)

// AuthorizationOutcome is the result of an authorization step
type AuthorizationOutcome struct {
	Kind        OutcomeKind
	RedirectURL string
	Consent     *ConsentPrompt
	Err         *Error

	// redirectErr is the error delivered through RedirectURL, if any
	redirectErr *Error
}

// ConsentPrompt is what the consent page shows
type ConsentPrompt struct {
	ClientID    string
	ClientName  string
	RedirectURI string
	Scopes      []Scope
	CSRFState   string
}

// pendingAuthorization survives the consent round trip inside the CSRF state record
type pendingAuthorization struct {
	ClientID            string   `json:"client_id"`
	RedirectURI         string   `json:"redirect_uri"`
	Scopes              []string `json:"scopes"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
}

// AuthorizationFlow runs the authorization endpoint: request validation,
// consent and code issuance.
type AuthorizationFlow struct {
	config   Config
	clients  *ClientRegistry
	codes    *AuthorizationCodeStore
	consents *ConsentStore
	guard    *Guard
	scopes   ScopeRegistry
	logger   *slog.Logger
	tracer   trace.Tracer

	instrumentation *instrumentation.Instrumentation
}

// NewAuthorizationFlow creates an AuthorizationFlow
func NewAuthorizationFlow(cfg Config, clients *ClientRegistry, codes *AuthorizationCodeStore, consents *ConsentStore, guard *Guard, scopes ScopeRegistry) *AuthorizationFlow {
	cfg = cfg.withDefaults()
	return &AuthorizationFlow{
		config:   cfg,
		clients:  clients,
		codes:    codes,
		consents: consents,
		guard:    guard,
		scopes:   scopes,
		logger:   cfg.Logger,
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
}

// SetInstrumentation enables tracing and metrics
func (f *AuthorizationFlow) SetInstrumentation(inst *instrumentation.Instrumentation) {
	f.instrumentation = inst
	if inst != nil {
		f.tracer = inst.Tracer("server")
	}
}

// Authorize validates an authorization request for user (nil when nobody
// is signed in) and decides how it continues.
func (f *AuthorizationFlow) Authorize(ctx context.Context, req AuthorizationRequest, user *User) *AuthorizationOutcome {
	ctx, span := f.tracer.Start(ctx, "oauth.authorize")
	defer span.End()
	instrumentation.AddFlowState(span, stateRequested)

	out := f.authorize(ctx, req, user)
	f.finish(ctx, span, req.ClientID, out)
	return out
}

func (f *AuthorizationFlow) authorize(ctx context.Context, req AuthorizationRequest, user *User) *AuthorizationOutcome {
	// Until the redirect URI is verified every error is shown directly.
	if err := f.guard.Input.ValidateClientID(ctx, req.ClientID); err != nil {
		f.recordInputAbuse(ctx, err, "")
		return direct(ErrInvalidRequest("client_id is missing or malformed"))
	}
	if e := f.guard.blocked(ctx, req.ClientID); e != nil {
		return direct(e)
	}
	if e := f.guard.allow(ctx, security.EndpointAuthorize, req.ClientID); e != nil {
		return direct(e)
	}

	client, err := f.clients.Lookup(ctx, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		return direct(ErrInvalidRequest("unknown or inactive client"))
	}
	if err != nil {
		return direct(AsError(err))
	}
	if !client.Active {
		return direct(ErrInvalidRequest("unknown or inactive client"))
	}

	redirectURI, e := f.resolveRedirectURI(ctx, client, req.RedirectURI)
	if e != nil {
		return direct(e)
	}

	// From here on errors are delivered to the client through the redirect.
	fail := func(e *Error) *AuthorizationOutcome {
		return redirectError(redirectURI, e.WithState(req.State))
	}

	if req.State != "" {
		if err := f.guard.Input.ValidateOAuthState(ctx, req.State); err != nil {
			f.recordInputAbuse(ctx, err, client.ClientID)
			// never echo a state that failed validation
			req.State = ""
			return fail(ErrInvalidRequest("state is malformed"))
		}
	}
	if req.ResponseType != "code" {
		return fail(ErrUnsupportedResponseType("only response_type=code is supported"))
	}

	scopes, e := f.resolveScopes(ctx, client, req.Scope)
	if e != nil {
		return fail(e)
	}

	method, e := f.validatePKCE(client, req.CodeChallenge, req.CodeChallengeMethod)
	if e != nil {
		return fail(e)
	}

	pending := pendingAuthorization{
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: string(method),
	}

	f.guard.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventAuthorizationRequested,
		ClientID: client.ClientID,
		Details:  map[string]any{"scope": util.JoinScopes(scopes)},
	})
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordAuthorizationStarted(ctx, client.ClientID)
	}
	instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateValidated)

	if user == nil {
		if f.config.LoginURL != "" {
			return &AuthorizationOutcome{Kind: OutcomeLogin}
		}
		return fail(ErrAccessDenied("user is not signed in"))
	}

	covered, err := f.consents.Check(ctx, user.ID, client.ClientID, scopes)
	if err != nil {
		return fail(AsError(err))
	}
	if covered {
		return f.issueCode(ctx, pending, user)
	}

	csrf, err := f.guard.States.GenerateWithPayload(ctx, client.ClientID, user.ID, pending)
	if err != nil {
		return fail(AsError(err))
	}
	instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateConsentPending)

	return &AuthorizationOutcome{
		Kind: OutcomeConsent,
		Consent: &ConsentPrompt{
			ClientID:    client.ClientID,
			ClientName:  client.Name,
			RedirectURI: redirectURI,
			Scopes:      f.describe(scopes),
			CSRFState:   csrf,
		},
	}
}

// Decide completes a consent round trip
func (f *AuthorizationFlow) Decide(ctx context.Context, d ConsentDecision, user *User) *AuthorizationOutcome {
	ctx, span := f.tracer.Start(ctx, "oauth.consent")
	defer span.End()
	instrumentation.AddFlowState(span, stateConsentPending)

	out := f.decide(ctx, d, user)
	f.finish(ctx, span, d.ClientID, out)
	return out
}

func (f *AuthorizationFlow) decide(ctx context.Context, d ConsentDecision, user *User) *AuthorizationOutcome {
	if user == nil {
		return direct(ErrAccessDenied("user is not signed in"))
	}
	if err := f.guard.Input.ValidateClientID(ctx, d.ClientID); err != nil {
		f.recordInputAbuse(ctx, err, "")
		return direct(ErrInvalidRequest("client_id is missing or malformed"))
	}
	if err := f.guard.Input.ValidateState(ctx, d.CSRFState); err != nil {
		f.recordInputAbuse(ctx, err, d.ClientID)
		return direct(ErrInvalidRequest("consent request is invalid or expired").AsSecurityEvent(security.SeverityHigh))
	}

	var pending pendingAuthorization
	if err := f.guard.States.ValidateWithPayload(ctx, d.CSRFState, d.ClientID, user.ID, &pending); err != nil {
		if errors.Is(err, security.ErrInvalidState) {
			return direct(ErrInvalidRequest("consent request is invalid or expired").AsSecurityEvent(security.SeverityHigh))
		}
		return direct(AsError(err))
	}

	// the client may have changed while the consent page was open
	client, err := f.clients.Lookup(ctx, pending.ClientID)
	if err != nil && !errors.Is(err, storage.ErrClientNotFound) {
		return direct(AsError(err))
	}
	if err != nil || !client.Active {
		return direct(ErrInvalidRequest("unknown or inactive client"))
	}
	if err := f.guard.Redirects.Validate(ctx, pending.RedirectURI, client.RedirectURIs); err != nil {
		return direct(ErrInvalidRedirectURI("redirect_uri is no longer registered"))
	}

	if !d.Approved {
		instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateConsentDenied)
		f.guard.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventConsentDenied,
			ClientID: client.ClientID,
			UserID:   user.ID,
		})
		if f.instrumentation != nil {
			f.instrumentation.Metrics().RecordConsentDecision(ctx, client.ClientID, "denied")
		}
		return redirectError(pending.RedirectURI, ErrAccessDenied("the user denied the request").WithState(pending.State))
	}

	if _, err := f.consents.Grant(ctx, user.ID, client.ClientID, pending.Scopes); err != nil {
		return redirectError(pending.RedirectURI, AsError(err).WithState(pending.State))
	}
	instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateConsentGranted)
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordConsentDecision(ctx, client.ClientID, "granted")
	}

	return f.issueCode(ctx, pending, user)
}

func (f *AuthorizationFlow) issueCode(ctx context.Context, p pendingAuthorization, user *User) *AuthorizationOutcome {
	code, err := f.codes.Issue(ctx, CodeRequest{
		ClientID:            p.ClientID,
		UserID:              user.ID,
		RedirectURI:         p.RedirectURI,
		Scopes:              p.Scopes,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: pkce.Method(p.CodeChallengeMethod),
	})
	if err != nil {
		return redirectError(p.RedirectURI, AsError(err).WithState(p.State))
	}

	f.guard.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		ClientID: p.ClientID,
		UserID:   user.ID,
		Details: map[string]any{
			"scope":       util.JoinScopes(p.Scopes),
			"pkce_method": p.CodeChallengeMethod,
		},
	})
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordCodeIssued(ctx, p.ClientID, p.CodeChallengeMethod)
	}
	instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateCodeIssued)
	f.logger.Info("Authorization code issued",
		"client_id", p.ClientID,
		"user_id_hash", util.HashForLogging(user.ID),
		"code_prefix", util.SafeTruncate(code, 8))

	params := url.Values{"code": {code}}
	if p.State != "" {
		params.Set("state", p.State)
	}
	return &AuthorizationOutcome{Kind: OutcomeRedirect, RedirectURL: appendQuery(p.RedirectURI, params)}
}

// resolveRedirectURI checks the requested redirect URI against the client's
// registrations. The URI is always required so the token request can be
// bound to it.
func (f *AuthorizationFlow) resolveRedirectURI(ctx context.Context, client *storage.Client, requested string) (string, *Error) {
	if requested == "" {
		return "", ErrInvalidRequest("redirect_uri is required")
	}
	if err := f.guard.Input.CheckMalicious(ctx, security.FieldRedirectURI, requested); err != nil {
		f.recordInputAbuse(ctx, err, client.ClientID)
		return "", ErrInvalidRedirectURI("redirect_uri is not allowed").AsSecurityEvent(security.SeverityHigh)
	}
	if err := f.guard.Redirects.Validate(ctx, requested, client.RedirectURIs); err != nil {
		f.guard.record(ctx, security.AbuseInvalidRedirect, client.ClientID)
		return "", ErrInvalidRedirectURI("redirect_uri does not match a registered URI").AsSecurityEvent(security.SeverityHigh)
	}
	return requested, nil
}

func (f *AuthorizationFlow) resolveScopes(ctx context.Context, client *storage.Client, scope string) ([]string, *Error) {
	if err := f.guard.Input.ValidateScope(ctx, scope); err != nil {
		f.recordInputAbuse(ctx, err, client.ClientID)
		return nil, ErrInvalidScope("scope is malformed")
	}

	scopes := util.SplitScopes(scope)
	if len(scopes) == 0 {
		scopes = util.NormalizeScopes(f.config.DefaultScopes)
		if len(scopes) == 0 {
			scopes = util.NormalizeScopes(client.AllowedScopes)
		}
	}
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("no scope requested")
	}
	if !util.ScopesSubset(scopes, client.AllowedScopes) {
		return nil, ErrInvalidScope("requested scope exceeds the client's allowed scopes")
	}
	for _, s := range scopes {
		if !f.scopes.Valid(s) {
			return nil, ErrInvalidScope(fmt.Sprintf("unknown scope %q", s))
		}
	}
	return scopes, nil
}

// validatePKCE checks the challenge shape. Public clients always need PKCE.
func (f *AuthorizationFlow) validatePKCE(client *storage.Client, challenge, methodParam string) (pkce.Method, *Error) {
	if challenge == "" {
		if f.config.RequirePKCE || ClientType(client.ClientType) == ClientTypePublic {
			return "", ErrInvalidRequest("code_challenge is required")
		}
		if methodParam != "" {
			return "", ErrInvalidRequest("code_challenge_method without code_challenge")
		}
		return "", nil
	}

	method, err := pkce.ParseMethod(methodParam, f.config.RequireS256)
	if err != nil {
		return "", ErrInvalidRequest("code_challenge_method is not supported")
	}
	if err := pkce.ValidateChallenge(challenge, method); err != nil {
		return "", ErrInvalidRequest("code_challenge is malformed")
	}
	return method, nil
}

func (f *AuthorizationFlow) describe(scopes []string) []Scope {
	out := make([]Scope, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, Scope{Name: s, Description: f.scopes.Describe(s)})
	}
	return out
}

// recordInputAbuse counts malicious input towards the abuse thresholds
func (f *AuthorizationFlow) recordInputAbuse(ctx context.Context, err error, clientID string) {
	if errors.Is(err, security.ErrMaliciousInput) {
		f.guard.record(ctx, security.AbuseMaliciousInput, clientID)
	}
}

func (f *AuthorizationFlow) finish(ctx context.Context, span trace.Span, clientID string, out *AuthorizationOutcome) {
	instrumentation.AddOAuthFlowAttributes(span, util.SafeTruncate(clientID, 64), "", "")

	var e *Error
	switch {
	case out.Err != nil:
		e = out.Err
	case out.Kind == OutcomeRedirect && out.redirectErr != nil:
		e = out.redirectErr
	}
	if e == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}

	instrumentation.AddFlowState(span, stateError)
	instrumentation.SetSpanError(span, e.Code)
	reportServerError(ctx, f.guard.Auditor, f.logger, clientID, e)
}

func direct(e *Error) *AuthorizationOutcome {
	return &AuthorizationOutcome{Kind: OutcomeError, Err: e}
}

func redirectError(redirectURI string, e *Error) *AuthorizationOutcome {
	params := url.Values{"error": {e.Code}}
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return &AuthorizationOutcome{
		Kind:        OutcomeRedirect,
		RedirectURL: appendQuery(redirectURI, params),
		redirectErr: e,
	}
}

// appendQuery adds params to a URI, keeping any query it already has
func appendQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// reportServerError logs unexpected failures with their cause and raises a
// critical audit event. Other errors were already reported where they arose.
func reportServerError(ctx context.Context, auditor *security.Auditor, logger *slog.Logger, clientID string, e *Error) {
	if e.Code != ErrorCodeServerError && e.Code != ErrorCodeTemporarilyUnavailable {
		return
	}
	logger.Error("OAuth flow failed",
		"client_id", util.SafeTruncate(clientID, 64),
		"error_code", e.Code,
		"error", e.Unwrap())
	if e.Code == ErrorCodeServerError {
		auditor.LogEvent(ctx, security.Event{
			Type:     security.EventServerError,
			ClientID: util.SafeTruncate(clientID, 64),
		})
	}
}
