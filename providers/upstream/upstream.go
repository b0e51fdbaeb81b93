// Package upstream signs users in through an upstream OAuth2/OpenID
// Connect provider (Dex, Google, Keycloak, ...) and turns the result into a
// local session cookie.
//
// The flow is the usual authorization code flow with PKCE, run by this
// server as the client:
//
//	GET /login?return_to=/oauth2/authorize?...   -> redirect to the provider
//	GET /login/callback?code=...&state=...       -> session cookie, redirect to return_to
//
// Login state is single use and bound to the browser by a nonce cookie, so
// a callback URL cannot be replayed into another browser (login CSRF).
package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/providers"
	"github.com/giantswarm/oauth2-server/providers/session"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultStateTTL bounds how long a user may spend at the provider
	DefaultStateTTL = 10 * time.Minute

	nonceCookie  = "oauth2_login_nonce"
	stateBinding = "upstream-login"

	maxUserInfoSize = 1 << 20
	maxGroups       = 100
	maxUserIDLength = 256
)

var defaultScopes = []string{"openid", "email", "profile"}

// Config configures upstream login
type Config struct {
	// Issuer enables discovery of the endpoints below
	Issuer string

	// Explicit endpoints, used when Issuer is empty
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	ClientID     string
	ClientSecret string

	// RedirectURL is the absolute URL of the callback handler
	RedirectURL string

	// Scopes requested upstream. Default: openid email profile
	Scopes []string

	// AdminGroups and AdminSubjects grant the admin role
	AdminGroups   []string
	AdminSubjects []string

	// StateTTL defaults to DefaultStateTTL
	StateTTL time.Duration

	// Insecure drops the Secure attribute of the nonce cookie
	Insecure bool

	HTTPClient *http.Client
	Logger     *slog.Logger

	// allowLoopback permits plain HTTP loopback endpoints in tests
	allowLoopback bool
}

// Login runs the upstream login flow
type Login struct {
	oauth       *oauth2.Config
	userInfoURL string
	sessions    *session.Manager
	states      *security.StateManager
	httpClient  *http.Client
	config      Config
	logger      *slog.Logger
}

type loginState struct {
	Verifier string `json:"verifier"`
	ReturnTo string `json:"return_to"`
}

// New creates a Login. Endpoints are discovered from cfg.Issuer when set.
func New(ctx context.Context, cfg Config, kv storage.KV, sessions *session.Manager, auditor *security.Auditor) (*Login, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaultScopes
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}

	endpoints := &Endpoints{
		AuthorizationEndpoint: cfg.AuthURL,
		TokenEndpoint:         cfg.TokenURL,
		UserInfoEndpoint:      cfg.UserInfoURL,
	}
	if cfg.Issuer != "" {
		discovered, err := discover(ctx, cfg.HTTPClient, cfg.Issuer, cfg.allowLoopback)
		if err != nil {
			return nil, err
		}
		endpoints = discovered
	} else if err := endpoints.validate(cfg.allowLoopback); err != nil {
		return nil, err
	}

	return &Login{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  endpoints.AuthorizationEndpoint,
				TokenURL: endpoints.TokenEndpoint,
			},
		},
		userInfoURL: endpoints.UserInfoEndpoint,
		sessions:    sessions,
		states:      security.NewStateManager(kv, cfg.StateTTL, auditor),
		httpClient:  cfg.HTTPClient,
		config:      cfg,
		logger:      cfg.Logger,
	}, nil
}

// Routes registers the login, callback and logout handlers under prefix
func (l *Login) Routes(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.HandleFunc("GET "+prefix+"/login", l.Start)
	mux.HandleFunc("GET "+prefix+"/login/callback", l.Callback)
	mux.HandleFunc("POST "+prefix+"/logout", l.Logout)
}

// Start redirects the browser to the upstream provider
func (l *Login) Start(w http.ResponseWriter, r *http.Request) {
	returnTo := safeReturnTo(r.URL.Query().Get("return_to"))

	nonce := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()
	state, err := l.states.GenerateWithPayload(r.Context(), stateBinding, nonceHash(nonce), loginState{
		Verifier: verifier,
		ReturnTo: returnTo,
	})
	if err != nil {
		l.logger.Error("Failed to store login state", "error", err)
		http.Error(w, "login is temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     nonceCookie,
		Value:    nonce,
		Path:     "/",
		MaxAge:   int(l.config.StateTTL.Seconds()),
		HttpOnly: true,
		Secure:   !l.config.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, l.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

// Callback completes the upstream flow and issues the session cookie
func (l *Login) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		l.logger.Info("Upstream login was not completed", "error", util.SafeTruncate(e, 64))
		http.Error(w, "login was not completed", http.StatusForbidden)
		return
	}

	nonce, err := r.Cookie(nonceCookie)
	if err != nil || nonce.Value == "" {
		http.Error(w, "login session expired, please try again", http.StatusBadRequest)
		return
	}
	clearNonce(w, l.config.Insecure)

	var pending loginState
	if err := l.states.ValidateWithPayload(ctx, q.Get("state"), stateBinding, nonceHash(nonce.Value), &pending); err != nil {
		if !errors.Is(err, security.ErrInvalidState) {
			l.logger.Error("Failed to load login state", "error", err)
		}
		http.Error(w, "login session expired, please try again", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, l.httpClient)
	tok, err := l.oauth.Exchange(ctx, code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		l.logger.Warn("Upstream code exchange failed", "error", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	info, err := l.userInfo(ctx, tok)
	if err != nil {
		l.logger.Warn("Upstream user info failed", "error", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	user := server.User{ID: info.ID}
	if l.isAdmin(info) {
		user.Role = server.RoleAdmin
	}
	if err := l.sessions.Issue(w, user); err != nil {
		l.logger.Error("Failed to issue session", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	l.logger.Info("User signed in upstream",
		"user_id_hash", util.HashForLogging(user.ID),
		"admin", user.IsAdmin())
	http.Redirect(w, r, pending.ReturnTo, http.StatusFound)
}

// Logout clears the session cookie
func (l *Login) Logout(w http.ResponseWriter, r *http.Request) {
	l.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (l *Login) userInfo(ctx context.Context, tok *oauth2.Token) (*providers.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	resp, err := l.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info request failed with status %d", resp.StatusCode)
	}

	var info providers.UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoSize)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if info.ID == "" || len(info.ID) > maxUserIDLength {
		return nil, errors.New("user info has no usable subject")
	}
	if len(info.Groups) > maxGroups {
		return nil, fmt.Errorf("groups claim exceeds maximum of %d groups", maxGroups)
	}
	return &info, nil
}

func (l *Login) isAdmin(info *providers.UserInfo) bool {
	if slices.Contains(l.config.AdminSubjects, info.ID) {
		return true
	}
	for _, g := range info.Groups {
		if slices.Contains(l.config.AdminGroups, g) {
			return true
		}
	}
	return false
}

// safeReturnTo only allows local absolute paths, which keeps the login
// endpoint from becoming an open redirect
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	if strings.ContainsAny(raw, "\r\n") {
		return "/"
	}
	return raw
}

func nonceHash(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

func clearNonce(w http.ResponseWriter, insecure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     nonceCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !insecure,
		SameSite: http.SameSiteLaxMode,
	})
}
