package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// Grant types
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Token flow states recorded on spans
const (
	stateTokenRequested      = "token_requested"
	stateClientAuthenticated = "client_authenticated"
	stateGrantValidated      = "grant_validated"
	stateIssued              = "issued"
)

// TokenRequest carries the /token form parameters and client credentials
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string

	ClientID     string
	ClientSecret string
}

// TokenResponse is the successful token endpoint response (RFC 6749 section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// RevocationRequest carries the /revoke form parameters (RFC 7009)
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// Introspection is the minimal token introspection response
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// TokenFlow runs the token, revocation and introspection endpoints.
type TokenFlow struct {
	config  Config
	clients *ClientRegistry
	codes   *AuthorizationCodeStore
	tokens  *token.Service
	guard   *Guard
	logger  *slog.Logger
	tracer  trace.Tracer

	instrumentation *instrumentation.Instrumentation
}

// NewTokenFlow creates a TokenFlow
func NewTokenFlow(cfg Config, clients *ClientRegistry, codes *AuthorizationCodeStore, tokens *token.Service, guard *Guard) *TokenFlow {
	cfg = cfg.withDefaults()
	return &TokenFlow{
		config:  cfg,
		clients: clients,
		codes:   codes,
		tokens:  tokens,
		guard:   guard,
		logger:  cfg.Logger,
		tracer:  noop.NewTracerProvider().Tracer(""),
	}
}

// SetInstrumentation enables tracing and metrics
func (f *TokenFlow) SetInstrumentation(inst *instrumentation.Instrumentation) {
	f.instrumentation = inst
	if inst != nil {
		f.tracer = inst.Tracer("server")
	}
}

// Exchange handles a token request
func (f *TokenFlow) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, *Error) {
	ctx, span := f.tracer.Start(ctx, "oauth.token")
	defer span.End()
	instrumentation.AddFlowState(span, stateTokenRequested)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, util.SafeTruncate(req.GrantType, 32)))

	resp, e := f.exchange(ctx, req)
	if e != nil {
		instrumentation.AddFlowState(span, stateError)
		instrumentation.SetSpanError(span, e.Code)
		reportServerError(ctx, f.guard.Auditor, f.logger, req.ClientID, e)
		return nil, e
	}
	instrumentation.AddFlowState(span, stateIssued)
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (f *TokenFlow) exchange(ctx context.Context, req TokenRequest) (*TokenResponse, *Error) {
	client, e := f.authenticate(ctx, security.EndpointToken, req.ClientID, req.ClientSecret)
	if e != nil {
		return nil, e
	}
	instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateClientAuthenticated)

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return f.exchangeCode(ctx, client, req)
	case GrantTypeRefreshToken:
		return f.refresh(ctx, client, req)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType("grant_type is not supported")
	}
}

// authenticate applies abuse and rate limits for clientID and then checks
// its credentials
func (f *TokenFlow) authenticate(ctx context.Context, endpoint, clientID, secret string) (*storage.Client, *Error) {
	if err := f.guard.Input.ValidateClientID(ctx, clientID); err != nil {
		if errors.Is(err, security.ErrMaliciousInput) {
			f.guard.record(ctx, security.AbuseMaliciousInput, "")
		}
		f.guard.Auditor.LogAuthFailure(ctx, util.SafeTruncate(clientID, 64), "", "malformed client_id")
		return nil, ErrInvalidClient("client authentication failed")
	}
	if e := f.guard.blocked(ctx, clientID); e != nil {
		return nil, e
	}
	if e := f.guard.allow(ctx, endpoint, clientID); e != nil {
		return nil, e
	}

	client, ok := f.clients.Validate(ctx, clientID, secret)
	if !ok {
		f.guard.record(ctx, security.AbuseFailedAuth, clientID)
		f.guard.Auditor.LogAuthFailure(ctx, clientID, "", "invalid client credentials")
		return nil, ErrInvalidClient("client authentication failed").AsSecurityEvent(security.SeverityMedium)
	}
	return client, nil
}

func (f *TokenFlow) exchangeCode(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResponse, *Error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if err := f.guard.Input.ValidateCode(ctx, req.Code); err != nil {
		return nil, f.invalidGrant(ctx, client.ClientID, "", "malformed code")
	}
	if req.CodeVerifier != "" {
		if err := f.guard.Input.ValidateCodeVerifier(ctx, req.CodeVerifier); err != nil {
			return nil, f.invalidGrant(ctx, client.ClientID, "", "malformed code_verifier")
		}
	}

	code, ok, err := f.codes.Consume(ctx, req.Code)
	if err != nil {
		return nil, AsError(err)
	}
	if !ok {
		f.handleCodeReplay(ctx, client.ClientID, req.Code)
		return nil, ErrInvalidGrant("authorization code is invalid, expired or already used")
	}

	// the code is gone from the store; finish on a context the client
	// cannot cancel
	ctx, cancel := util.Detach(ctx)
	defer cancel()

	if subtle.ConstantTimeCompare([]byte(code.ClientID), []byte(client.ClientID)) != 1 {
		return nil, f.securityGrantError(ctx, client.ClientID, code.UserID, "code issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, f.securityGrantError(ctx, client.ClientID, code.UserID, "redirect_uri mismatch")
	}

	method := pkce.Method(code.CodeChallengeMethod)
	switch {
	case code.CodeChallenge != "":
		if req.CodeVerifier == "" || !pkce.Validate(req.CodeVerifier, code.CodeChallenge, method) {
			if f.instrumentation != nil {
				f.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, string(method))
			}
			f.guard.Auditor.LogEvent(ctx, security.Event{
				Type:     security.EventPKCEValidationFailed,
				ClientID: client.ClientID,
				UserID:   code.UserID,
				Details:  map[string]any{"method": string(method)},
			})
			f.guard.record(ctx, security.AbuseInvalidGrant, client.ClientID)
			return nil, ErrInvalidGrant("code_verifier does not match the code challenge").AsSecurityEvent(security.SeverityHigh)
		}
	case req.CodeVerifier != "":
		return nil, f.invalidGrant(ctx, client.ClientID, code.UserID, "code_verifier sent for a code without challenge")
	}
	instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateGrantValidated)

	resp, e := f.issue(ctx, client.ClientID, code.UserID, code.Scopes)
	if e != nil {
		if err := f.codes.Restore(ctx, req.Code, code); err != nil {
			f.logger.Error("Failed to restore authorization code", "client_id", client.ClientID, "error", err)
		}
		return nil, e
	}
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordCodeExchange(ctx, client.ClientID, string(method))
	}
	return resp, nil
}

// handleCodeReplay treats a second use of a code as an attack on the grant
// and revokes the refresh tokens issued from it (RFC 6749 section 4.1.2).
func (f *TokenFlow) handleCodeReplay(ctx context.Context, clientID, code string) {
	f.guard.record(ctx, security.AbuseInvalidGrant, clientID)

	used, ok := f.codes.Consumed(ctx, code)
	if !ok {
		f.guard.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventInvalidGrant,
			ClientID: clientID,
			Details:  map[string]any{"reason": "unknown or expired code"},
		})
		return
	}

	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
	}
	revoked, err := f.tokens.RevokeForUserClient(ctx, used.UserID, used.ClientID)
	if err != nil {
		f.logger.Error("Failed to revoke tokens after code reuse", "client_id", used.ClientID, "error", err)
	}
	f.guard.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventCodeReuseDetected,
		ClientID: clientID,
		UserID:   used.UserID,
		Details: map[string]any{
			"code_client_id": used.ClientID,
			"revoked_tokens": revoked,
		},
	})
}

func (f *TokenFlow) refresh(ctx context.Context, client *storage.Client, req TokenRequest) (*TokenResponse, *Error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if err := f.guard.Input.ValidateScope(ctx, req.Scope); err != nil {
		return nil, ErrInvalidScope("scope is malformed")
	}
	requested := util.SplitScopes(req.Scope)

	rec, newToken, err := f.tokens.Rotate(ctx, req.RefreshToken, client.ClientID, requested)
	switch {
	case errors.Is(err, token.ErrInvalidScope):
		return nil, ErrInvalidScope("requested scope exceeds the original grant")
	case errors.Is(err, token.ErrInvalidGrant):
		f.guard.record(ctx, security.AbuseInvalidGrant, client.ClientID)
		return nil, ErrInvalidGrant("refresh token is invalid, expired or revoked")
	case err != nil:
		return nil, AsError(err)
	}
	instrumentation.AddFlowState(trace.SpanFromContext(ctx), stateGrantValidated)

	scopes := rec.Scopes
	if len(requested) > 0 {
		scopes = requested
	}
	access, ttl, err := f.tokens.IssueAccessToken(rec.UserID, client.ClientID, scopes)
	if err != nil {
		return nil, AsError(err)
	}

	f.guard.Auditor.LogTokenRefreshed(ctx, rec.UserID, client.ClientID, "", rec.FamilyID)
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ttl.Seconds()),
		RefreshToken: newToken,
		Scope:        util.JoinScopes(scopes),
	}, nil
}

func (f *TokenFlow) issue(ctx context.Context, clientID, userID string, scopes []string) (*TokenResponse, *Error) {
	access, ttl, err := f.tokens.IssueAccessToken(userID, clientID, scopes)
	if err != nil {
		return nil, AsError(err)
	}
	refresh, err := f.tokens.IssueRefreshToken(ctx, clientID, userID, scopes)
	if err != nil {
		return nil, AsError(err)
	}

	scope := util.JoinScopes(scopes)
	f.guard.Auditor.LogTokenIssued(ctx, userID, clientID, "", scope)
	f.logger.Info("Issued tokens",
		"client_id", clientID,
		"user_id_hash", util.HashForLogging(userID),
		"scope", scope)

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ttl.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

// Revoke handles a revocation request. Per RFC 7009 the caller learns
// nothing: failed client authentication, unknown tokens and tokens of other
// clients all look like success. Only rate limiting is reported.
func (f *TokenFlow) Revoke(ctx context.Context, req RevocationRequest) *Error {
	client, e := f.authenticate(ctx, security.EndpointToken, req.ClientID, req.ClientSecret)
	if e != nil {
		if e.Code == ErrorCodeRateLimitExceeded {
			return e
		}
		return nil
	}
	if req.Token == "" {
		return nil
	}

	rec, err := f.tokens.Lookup(ctx, req.Token)
	if err != nil {
		if !errors.Is(err, token.ErrInvalidGrant) {
			f.logger.Warn("Failed to look up token for revocation", "client_id", client.ClientID, "error", err)
		}
		return nil
	}
	if rec.ClientID != client.ClientID {
		f.guard.Auditor.LogEvent(ctx, security.Event{
			Type:     security.EventInvalidGrant,
			ClientID: client.ClientID,
			Details:  map[string]any{"reason": "revocation of another client's token"},
			Severity: security.SeverityHigh,
		})
		return nil
	}

	if err := f.tokens.Revoke(ctx, req.Token); err != nil {
		f.logger.Error("Failed to revoke token", "client_id", client.ClientID, "error", err)
		return nil
	}
	f.guard.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventTokenRevoked,
		ClientID: client.ClientID,
		UserID:   rec.UserID,
	})
	if f.instrumentation != nil {
		f.instrumentation.Metrics().RecordTokenRevocation(ctx, client.ClientID)
	}
	return nil
}

// Introspect reports whether a token issued by this server is active.
// Only confidential clients may introspect, and refresh tokens are only
// described to the client they were issued to.
func (f *TokenFlow) Introspect(ctx context.Context, tokenValue, clientID, secret string) (*Introspection, *Error) {
	client, e := f.authenticate(ctx, security.EndpointToken, clientID, secret)
	if e != nil {
		return nil, e
	}
	if ClientType(client.ClientType) != ClientTypeConfidential {
		return nil, ErrUnauthorizedClient("only confidential clients may introspect tokens")
	}
	if tokenValue == "" {
		return &Introspection{Active: false}, nil
	}

	if claims, err := f.tokens.ValidateAccessToken(tokenValue); err == nil {
		out := &Introspection{
			Active:    true,
			Scope:     claims.Scope,
			ClientID:  claims.ClientID,
			Subject:   claims.Subject,
			TokenType: "access_token",
			Issuer:    claims.Issuer,
		}
		if claims.ExpiresAt != nil {
			out.ExpiresAt = claims.ExpiresAt.Unix()
		}
		if claims.IssuedAt != nil {
			out.IssuedAt = claims.IssuedAt.Unix()
		}
		return out, nil
	}

	rec, err := f.tokens.Lookup(ctx, tokenValue)
	if err != nil || rec.ClientID != client.ClientID {
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:    true,
		Scope:     util.JoinScopes(rec.Scopes),
		ClientID:  rec.ClientID,
		Subject:   rec.UserID,
		TokenType: "refresh_token",
		ExpiresAt: rec.ExpiresAt.Unix(),
		IssuedAt:  rec.CreatedAt.Unix(),
	}, nil
}

func (f *TokenFlow) invalidGrant(ctx context.Context, clientID, userID, reason string) *Error {
	f.guard.record(ctx, security.AbuseInvalidGrant, clientID)
	f.guard.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventInvalidGrant,
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]any{"reason": reason},
	})
	return ErrInvalidGrant("the provided grant is invalid")
}

// securityGrantError is invalidGrant for binding violations, which point to
// a stolen code rather than a client bug
func (f *TokenFlow) securityGrantError(ctx context.Context, clientID, userID, reason string) *Error {
	f.guard.record(ctx, security.AbuseInvalidGrant, clientID)
	f.guard.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventInvalidGrant,
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]any{"reason": reason},
		Severity: security.SeverityHigh,
	})
	return ErrInvalidGrant("the provided grant is invalid").AsSecurityEvent(security.SeverityHigh)
}
