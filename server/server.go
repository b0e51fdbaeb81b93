package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// Dependencies are the collaborators a Server is built on
type Dependencies struct {
	// KV holds codes, consents, refresh tokens, CSRF state and counters (required)
	KV storage.KV

	// Clients persists registered clients. Defaults to a KV-backed store.
	Clients storage.ClientStore

	// Crypto encrypts codes and refresh token records (required)
	Crypto *security.TokenCrypto

	// Scopes lists the scopes clients may request (required)
	Scopes ScopeRegistry

	// Auditor receives security events. Defaults to an auditor logging
	// through Config.Logger.
	Auditor *security.Auditor

	Instrumentation *instrumentation.Instrumentation
}

// Server implements the OAuth 2.0 authorization server logic. It is
// transport-agnostic; the root package exposes it over HTTP.
type Server struct {
	Config        Config
	Clients       *ClientRegistry
	Codes         *AuthorizationCodeStore
	Consents      *ConsentStore
	Tokens        *token.Service
	Authorization *AuthorizationFlow
	TokenFlow     *TokenFlow
	Guard         *Guard
	Scopes        ScopeRegistry
	Auditor       *security.Auditor
	Logger        *slog.Logger

	// Instrumentation is nil when metrics and tracing are disabled
	Instrumentation *instrumentation.Instrumentation
}

// New creates a new OAuth server
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.KV == nil {
		return nil, errors.New("key-value store is required")
	}
	if deps.Crypto == nil {
		return nil, errors.New("token crypto is required")
	}
	if deps.Scopes == nil {
		return nil, errors.New("scope registry is required")
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := cfg.Logger

	auditor := deps.Auditor
	if auditor == nil {
		auditor = security.NewAuditor(logger, cfg.AuditEnabled)
	}
	clientStore := deps.Clients
	if clientStore == nil {
		clientStore = storage.NewKVClientStore(deps.KV)
	}

	tokens, err := token.NewService(deps.KV, deps.Crypto, auditor, cfg.Tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	guard := NewGuard(deps.KV, cfg, auditor)
	clients := NewClientRegistry(clientStore, guard, deps.Scopes, tokens, cfg.BcryptCost, logger)
	codes := NewAuthorizationCodeStore(deps.KV, deps.Crypto, cfg.AuthorizationCodeTTL, logger)
	consents := NewConsentStore(deps.KV, tokens, auditor, logger)

	srv := &Server{
		Config:        cfg,
		Clients:       clients,
		Codes:         codes,
		Consents:      consents,
		Tokens:        tokens,
		Authorization: NewAuthorizationFlow(cfg, clients, codes, consents, guard, deps.Scopes),
		TokenFlow:     NewTokenFlow(cfg, clients, codes, tokens, guard),
		Guard:         guard,
		Scopes:        deps.Scopes,
		Auditor:       auditor,
		Logger:        logger,

		Instrumentation: deps.Instrumentation,
	}

	if inst := deps.Instrumentation; inst != nil {
		auditor.SetInstrumentation(inst)
		deps.Crypto.SetInstrumentation(inst)
		tokens.SetInstrumentation(inst)
		guard.SetInstrumentation(inst)
		clients.SetInstrumentation(inst)
		srv.Authorization.SetInstrumentation(inst)
		srv.TokenFlow.SetInstrumentation(inst)
	}

	logSecurityWarnings(cfg, logger)
	return srv, nil
}

// ClientIP extracts the client IP of r honoring the proxy configuration
func (s *Server) ClientIP(r *http.Request) string {
	return security.GetClientIP(r, s.Config.TrustProxy, s.Config.TrustedProxyCount)
}
