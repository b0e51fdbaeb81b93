// Package oauth exposes the authorization server over HTTP.
package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

const (
	// DefaultBasePath prefixes every endpoint
	DefaultBasePath = "/oauth2"

	// MetadataPath is the RFC 8414 well-known suffix
	MetadataPath = "/.well-known/oauth-authorization-server"

	// maxBodyBytes caps form and JSON request bodies
	maxBodyBytes = 64 << 10

	defaultManagementRate  = 5
	defaultManagementBurst = 20
)

// Handler is a thin HTTP adapter for the OAuth server.
// It parses requests, delegates to the server package and writes responses.
type Handler struct {
	server    *server.Server
	users     server.UserAuthenticator
	basePath  string
	ipLimiter *security.IPRateLimiter
	logger    *slog.Logger
	tracer    trace.Tracer
}

// HandlerOption customizes a Handler
type HandlerOption func(*Handler)

// WithBasePath mounts the endpoints under path instead of DefaultBasePath
func WithBasePath(path string) HandlerOption {
	return func(h *Handler) {
		h.basePath = "/" + strings.Trim(path, "/")
		if h.basePath == "/" {
			h.basePath = ""
		}
	}
}

// WithManagementRateLimit sets the per-IP token bucket in front of the
// client and consent management endpoints
func WithManagementRateLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		h.ipLimiter = security.NewIPRateLimiter(perSecond, burst, 0, h.logger)
	}
}

// NewHandler creates a new HTTP handler. users resolves the signed-in end
// user; without it every authorization request is unauthenticated.
func NewHandler(srv *server.Server, users server.UserAuthenticator, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:   srv,
		users:    users,
		basePath: DefaultBasePath,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.ipLimiter == nil {
		h.ipLimiter = security.NewIPRateLimiter(defaultManagementRate, defaultManagementBurst, 0, logger)
	}
	return h
}

// Register adds every endpoint to mux
func (h *Handler) Register(mux *http.ServeMux) {
	p := h.basePath
	mux.Handle("GET "+p+"/authorize", h.instrument("authorize", h.ServeAuthorization))
	mux.Handle("POST "+p+"/consent", h.instrument("consent", h.ServeConsent))
	mux.Handle("POST "+p+"/token", h.instrument("token", h.ServeToken))
	mux.Handle("POST "+p+"/revoke", h.instrument("revoke", h.ServeRevocation))
	mux.Handle("POST "+p+"/introspect", h.instrument("introspect", h.ServeIntrospection))

	metadata := h.instrument("metadata", h.ServeAuthorizationServerMetadata)
	mux.Handle("GET "+p+MetadataPath, metadata)
	if p != "" {
		mux.Handle("GET "+MetadataPath+p, metadata)
	}

	mux.Handle("POST "+p+"/clients", h.instrument("clients", h.managed(h.createClient)))
	mux.Handle("GET "+p+"/clients", h.instrument("clients", h.managed(h.listClients)))
	mux.Handle("GET "+p+"/clients/{id}", h.instrument("clients", h.managed(h.getClient)))
	mux.Handle("PUT "+p+"/clients/{id}", h.instrument("clients", h.managed(h.updateClient)))
	mux.Handle("DELETE "+p+"/clients/{id}", h.instrument("clients", h.managed(h.deleteClient)))
	mux.Handle("POST "+p+"/clients/{id}/regenerate-secret", h.instrument("clients", h.managed(h.regenerateSecret)))
	mux.Handle("POST "+p+"/clients/{id}/deactivate", h.instrument("clients", h.managed(h.deactivateClient)))
	mux.Handle("POST "+p+"/clients/{id}/reactivate", h.instrument("clients", h.managed(h.reactivateClient)))

	mux.Handle("GET "+p+"/consents", h.instrument("consents", h.managed(h.listConsents)))
	mux.Handle("DELETE "+p+"/consents/{client_id}", h.instrument("consents", h.managed(h.revokeConsent)))
}

// Routes returns a handler serving every endpoint with request IDs and
// client IP resolution applied
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return h.Middleware(mux)
}

// Middleware assigns a request ID and stores the caller IP in the request
// context, where rate limiting, abuse detection and audit logging read it.
// A panic in next is logged and answered with server_error.
// Handlers registered on a custom mux must be wrapped with it.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	recovered := h.recoverPanics(next)
	withIP := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := security.WithClientIP(r.Context(), h.server.ClientIP(r))
		recovered.ServeHTTP(w, r.WithContext(ctx))
	})
	return security.RequestIDMiddleware(withIP)
}

func (h *Handler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			h.logger.Error("Recovered from panic in handler",
				"request_id", security.GetRequestID(r.Context()),
				"path", r.URL.Path,
				"panic", v,
				"stack", string(debug.Stack()))
			if rec.status != 0 {
				// response already started
				return
			}
			h.writeError(w, server.ErrServerError("an internal error occurred"))
		}()
		next.ServeHTTP(rec, r)
	})
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// instrument wraps fn with a span and HTTP metrics
func (h *Handler) instrument(endpoint string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http."+endpoint)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r.WithContext(ctx))

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		instrumentation.SetSpanAttributes(span, attribute.String("request_id", security.GetRequestID(ctx)))
		if rec.status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(rec.status))
		}
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status,
				float64(time.Since(start).Microseconds())/1000)
		}
	})
}

// currentUser asks the authenticator who is signed in. No session is not
// an error; a failing authenticator is.
func (h *Handler) currentUser(r *http.Request) (*server.User, *server.Error) {
	if h.users == nil {
		return nil, nil
	}
	user, err := h.users.Authenticate(r)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, server.ErrUnauthenticated):
		return nil, nil
	default:
		h.logger.Error("User authentication failed",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		return nil, server.ErrTemporarilyUnavailable("user authentication is unavailable").WithCause(err)
	}
}

func (h *Handler) endpoint(path string) string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/") + h.basePath + path
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError writes an OAuth error body. Only the code and description are
// sent; causes stay in the logs.
func (h *Handler) writeError(w http.ResponseWriter, e *server.Error) {
	if e == nil {
		e = server.ErrServerError("an internal error occurred")
	}
	if e.Code == server.ErrorCodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth2", charset="UTF-8"`)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	status := e.Status
	if status == 0 {
		status = server.StatusForCode(e.Code)
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
	})
}

// PruneRateLimiter forgets management rate limit state of IPs idle for
// longer than maxIdle
func (h *Handler) PruneRateLimiter(maxIdle time.Duration) int {
	return h.ipLimiter.Prune(maxIdle)
}
