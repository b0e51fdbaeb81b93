package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/token"
)

const (
	// DefaultAuthorizationCodeTTL is how long an authorization code can be exchanged
	DefaultAuthorizationCodeTTL = 10 * time.Minute

	// DefaultAbuseWindow is the counting window for abuse thresholds
	DefaultAbuseWindow = time.Hour
)

// Config holds OAuth server configuration. It is passed by value at
// construction and never changes afterwards.
type Config struct {
	// Issuer is the server's issuer identifier (absolute base URL, required)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	// Default: 10 minutes
	AuthorizationCodeTTL time.Duration

	// ConsentStateTTL bounds how long a rendered consent page can be submitted
	// Default: 10 minutes
	ConsentStateTTL time.Duration

	// Tokens configures access and refresh token issuance.
	// Issuer and Logger are filled from this Config when empty.
	Tokens token.Config

	// RequirePKCE makes code_challenge mandatory for every client.
	// Public clients always need PKCE regardless of this setting.
	// Default: true
	RequirePKCE bool

	// RequireS256 rejects the plain code_challenge_method
	// Default: false (RFC 7636 default method is plain)
	RequireS256 bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// LoginURL is where unauthenticated users are sent from /authorize.
	// The original authorization URL is appended as return_to.
	// When empty, unauthenticated requests end with access_denied.
	LoginURL string

	// RateLimits are per-client sliding-window limits keyed by endpoint
	// Default: security.DefaultLimits()
	RateLimits map[string]security.Limit

	// AbuseThresholds are per-hour thresholds keyed by abuse event
	// Default: security.DefaultAbuseThresholds()
	AbuseThresholds map[security.AbuseEvent]int

	// AbuseWindow is the abuse counting window
	// Default: 1 hour
	AbuseWindow time.Duration

	// BcryptCost is the cost used to hash client secrets
	// Default: bcrypt.DefaultCost
	BcryptCost int

	// DefaultScopes are granted when an authorization request has no scope.
	// When empty, the client's allowed scopes are used.
	DefaultScopes []string

	// AuditEnabled turns on security audit logging
	// Default: true
	AuditEnabled bool

	Logger *slog.Logger
}

// DefaultConfig returns a secure configuration for issuer
func DefaultConfig(issuer string) Config {
	return Config{
		Issuer:               issuer,
		AuthorizationCodeTTL: DefaultAuthorizationCodeTTL,
		ConsentStateTTL:      security.DefaultStateTTL,
		Tokens: token.Config{
			Issuer:          issuer,
			AccessTokenTTL:  token.DefaultAccessTokenTTL,
			RefreshTokenTTL: token.DefaultRefreshTokenTTL,
		},
		RequirePKCE:       true,
		TrustedProxyCount: 1,
		RateLimits:        security.DefaultLimits(),
		AbuseThresholds:   security.DefaultAbuseThresholds(),
		AbuseWindow:       DefaultAbuseWindow,
		BcryptCost:        bcrypt.DefaultCost,
		AuditEnabled:      true,
	}
}

// withDefaults fills zero values. Booleans are left alone; callers start
// from DefaultConfig to get the secure ones.
func (c Config) withDefaults() Config {
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.ConsentStateTTL <= 0 {
		c.ConsentStateTTL = security.DefaultStateTTL
	}
	if c.Tokens.Issuer == "" {
		c.Tokens.Issuer = c.Issuer
	}
	if c.Tokens.AccessTokenTTL <= 0 {
		c.Tokens.AccessTokenTTL = token.DefaultAccessTokenTTL
	}
	if c.Tokens.RefreshTokenTTL <= 0 {
		c.Tokens.RefreshTokenTTL = token.DefaultRefreshTokenTTL
	}
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = 1
	}
	if c.RateLimits == nil {
		c.RateLimits = security.DefaultLimits()
	}
	if c.AbuseThresholds == nil {
		c.AbuseThresholds = security.DefaultAbuseThresholds()
	}
	if c.AbuseWindow <= 0 {
		c.AbuseWindow = DefaultAbuseWindow
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tokens.Logger == nil {
		c.Tokens.Logger = c.Logger
	}
	return c
}

// Validate checks the configuration for values the server cannot run with
func (c Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("issuer must not contain a query or fragment")
	}
	if len(c.Tokens.SigningKey) < token.MinSigningKeyLength {
		return fmt.Errorf("token signing key must be at least %d bytes", token.MinSigningKeyLength)
	}
	if c.BcryptCost != 0 && (c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost) {
		return fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.LoginURL != "" {
		if _, err := url.Parse(c.LoginURL); err != nil {
			return fmt.Errorf("invalid login URL: %w", err)
		}
	}
	for endpoint, limit := range c.RateLimits {
		if limit.Requests < 0 || limit.Window < 0 {
			return fmt.Errorf("invalid rate limit for %s", endpoint)
		}
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(c Config, logger *slog.Logger) {
	if !c.RequirePKCE {
		logger.Warn("SECURITY WARNING: PKCE is not required for confidential clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCE=true")
	}
	if !c.RequireS256 {
		logger.Info("Plain PKCE method is accepted",
			"recommendation", "Set RequireS256=true to reject code_challenge_method=plain")
	}
	if c.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"trusted_proxy_count", c.TrustedProxyCount)
	}
	if u, err := url.Parse(c.Issuer); err == nil && u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
		logger.Warn("SECURITY WARNING: Issuer is not served over HTTPS",
			"issuer", c.Issuer)
	}
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
