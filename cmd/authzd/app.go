package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/config"
	"github.com/giantswarm/oauth2-server/providers"
	"github.com/giantswarm/oauth2-server/providers/header"
	"github.com/giantswarm/oauth2-server/providers/session"
	"github.com/giantswarm/oauth2-server/providers/upstream"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/security/sink"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/redis"
	"github.com/giantswarm/oauth2-server/storage/sqlstore"
	"github.com/giantswarm/oauth2-server/storage/valkey"
)

// kvStore is a KV backend the process owns
type kvStore interface {
	storage.KV
	io.Closer
	Ping(ctx context.Context) error
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// app is the wired server with everything it must close on exit
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation
	kv      kvStore
	sql     *sqlstore.Store
	server  *server.Server
	handler *oauth.Handler
	closers []io.Closer
}

// newApp builds the server without the HTTP routes
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.inst, err = instrumentation.New(instrumentation.Config{
		ServiceName:     "authzd",
		ServiceVersion:  Version,
		Enabled:         cfg.Metrics,
		MetricsExporter: metricsExporter(cfg.Metrics),
	})
	if err != nil {
		return a, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	a.kv, err = openKV(cfg, logger)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.kv)
	a.kv.SetInstrumentation(a.inst)

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return a, err
	}
	crypto, err := security.NewTokenCrypto(masterKey)
	if err != nil {
		return a, err
	}
	signingKey, err := cfg.SigningKeyBytes()
	if err != nil {
		return a, err
	}

	auditor := security.NewAuditor(logger, cfg.Audit.Enabled)
	var clients storage.ClientStore
	if cfg.Database.Driver != "" {
		a.sql, err = sqlstore.New(cfg.Database.Driver, cfg.Database.DSN, logger)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, a.sql)
		clients = a.sql
		auditor.AddSink(a.sql)
	}
	if cfg.Audit.AMQPURL != "" {
		amqpSink, err := sink.NewAMQPSink(sink.AMQPConfig{
			URL:      cfg.Audit.AMQPURL,
			Exchange: cfg.Audit.AMQPExchange,
			Logger:   logger,
		})
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, amqpSink)
		auditor.AddSink(amqpSink)
	}

	a.server, err = server.New(serverConfig(cfg, signingKey, logger), server.Dependencies{
		KV:              a.kv,
		Clients:         clients,
		Crypto:          crypto,
		Scopes:          scopeRegistry(cfg),
		Auditor:         auditor,
		Instrumentation: a.inst,
	})
	if err != nil {
		return a, err
	}
	return a, nil
}

// routes builds the user authenticators and the HTTP handler
func (a *app) routes(ctx context.Context) (http.Handler, error) {
	sessionKey, err := a.cfg.SessionKeyBytes()
	if err != nil {
		return nil, err
	}
	sessions, err := session.New(session.Config{
		Key:        sessionKey,
		Issuer:     a.cfg.Issuer,
		CookieName: a.cfg.Session.CookieName,
		TTL:        a.cfg.Session.TTL,
		Insecure:   a.cfg.Session.Insecure,
	})
	if err != nil {
		return nil, err
	}

	var auths []providers.Authenticator
	if a.cfg.Header.Enabled() {
		h, err := header.New(header.Config{
			TrustedProxies: a.cfg.Header.TrustedProxies,
			UserHeader:     a.cfg.Header.UserHeader,
			GroupsHeader:   a.cfg.Header.GroupsHeader,
			AdminGroups:    a.cfg.Header.AdminGroups,
		})
		if err != nil {
			return nil, err
		}
		auths = append(auths, h)
	}
	auths = append(auths, sessions)

	mux := http.NewServeMux()
	if a.cfg.Upstream.Enabled() {
		login, err := upstream.New(ctx, upstream.Config{
			Issuer:        a.cfg.Upstream.Issuer,
			ClientID:      a.cfg.Upstream.ClientID,
			ClientSecret:  a.cfg.Upstream.ClientSecret,
			RedirectURL:   strings.TrimSuffix(a.cfg.Issuer, "/") + "/login/callback",
			Scopes:        a.cfg.Upstream.Scopes,
			AdminGroups:   a.cfg.Upstream.AdminGroups,
			AdminSubjects: a.cfg.Upstream.AdminSubjects,
			Insecure:      a.cfg.Session.Insecure,
			Logger:        a.logger,
		}, a.kv, sessions, a.server.Auditor)
		if err != nil {
			return nil, fmt.Errorf("failed to set up upstream login: %w", err)
		}
		login.Routes(mux, "")
	}

	a.handler = oauth.NewHandler(a.server, providers.Chain(auths...), a.logger, oauth.WithBasePath(a.cfg.BasePath))
	a.handler.Register(mux)

	mux.HandleFunc("GET /healthz", a.serveHealth)
	if a.cfg.Metrics {
		mux.Handle("GET /metrics", a.inst.MetricsHandler())
	}
	return a.handler.Middleware(mux), nil
}

func (a *app) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	if err := a.kv.Ping(ctx); err != nil {
		a.logger.Warn("Health check failed", "component", "kv", "error", err)
		status = http.StatusServiceUnavailable
	}
	if a.sql != nil {
		if err := a.sql.Ping(ctx); err != nil {
			a.logger.Warn("Health check failed", "component", "database", "error", err)
			status = http.StatusServiceUnavailable
		}
	}
	w.WriteHeader(status)
}

// Close releases the stores and sinks and flushes instrumentation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
	if a.inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.inst.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}
}

func openKV(cfg *config.Config, logger *slog.Logger) (kvStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendValkey:
		return valkey.New(valkey.Config{
			Address:   cfg.Storage.ValkeyAddr,
			Password:  cfg.Storage.ValkeyPassword,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		})
	case config.BackendRedis:
		return redis.New(redis.Config{
			URL:       cfg.Storage.RedisURL,
			KeyPrefix: cfg.Storage.KeyPrefix,
			Logger:    logger,
		})
	case config.BackendMemory:
		logger.Warn("Using in-memory storage; state is lost on restart and not shared between replicas")
		s := memory.New()
		s.SetLogger(logger)
		return s, nil
	default:
		return nil, errors.New("unknown storage backend " + cfg.Storage.Backend)
	}
}

func serverConfig(cfg *config.Config, signingKey []byte, logger *slog.Logger) server.Config {
	sc := server.DefaultConfig(cfg.Issuer)
	sc.Tokens.SigningKey = signingKey
	sc.Tokens.RevokeFamilyOnReuse = cfg.Tokens.RevokeFamilyOnReuse
	if cfg.Tokens.AccessTokenTTL > 0 {
		sc.Tokens.AccessTokenTTL = cfg.Tokens.AccessTokenTTL
	}
	if cfg.Tokens.RefreshTokenTTL > 0 {
		sc.Tokens.RefreshTokenTTL = cfg.Tokens.RefreshTokenTTL
	}
	if cfg.Tokens.CodeTTL > 0 {
		sc.AuthorizationCodeTTL = cfg.Tokens.CodeTTL
	}
	sc.RequireS256 = cfg.Security.RequireS256
	sc.TrustProxy = cfg.Security.TrustProxy
	sc.TrustedProxyCount = cfg.Security.TrustedProxyCount
	if cfg.Security.BcryptCost != 0 {
		sc.BcryptCost = cfg.Security.BcryptCost
	}
	sc.AuditEnabled = cfg.Audit.Enabled
	if cfg.Upstream.Enabled() {
		sc.LoginURL = strings.TrimSuffix(cfg.Issuer, "/") + "/login"
	}
	sc.Logger = logger
	return sc
}

func scopeRegistry(cfg *config.Config) *server.StaticScopeRegistry {
	scopes := make([]server.Scope, 0, len(cfg.Scopes))
	for _, s := range cfg.Scopes {
		scopes = append(scopes, server.Scope{Name: s.Name, Description: s.Description})
	}
	return server.NewStaticScopeRegistry(scopes...)
}

func metricsExporter(enabled bool) string {
	if enabled {
		return instrumentation.ExporterPrometheus
	}
	return instrumentation.ExporterNone
}
