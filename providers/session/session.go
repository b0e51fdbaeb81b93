// Package session authenticates users by a signed session cookie.
//
// The cookie holds a short HS256 JWT with the user ID as subject and the
// role as a private claim. Nothing is stored server side, so sessions end
// by expiry or when the signing key is rotated.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth2-server/server"
)

const (
	// DefaultCookieName is the session cookie name
	DefaultCookieName = "oauth2_session"

	// DefaultTTL is the session lifetime
	DefaultTTL = 8 * time.Hour

	// MinKeyLength is the minimum HMAC key size in bytes
	MinKeyLength = 32

	audience = "oauth2-session"
)

// Config configures the session cookie
type Config struct {
	// Key signs session tokens (required, at least MinKeyLength bytes)
	Key []byte

	// Issuer is set as iss and required on validation
	Issuer string

	// CookieName defaults to DefaultCookieName
	CookieName string

	// Path scopes the cookie. Default: "/"
	Path string

	// TTL defaults to DefaultTTL
	TTL time.Duration

	// Insecure drops the Secure attribute (local HTTP development only)
	Insecure bool
}

// Claims are the claims carried by a session token
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and verifies session cookies
type Manager struct {
	config Config
	now    func() time.Time
}

// New creates a session Manager
func New(cfg Config) (*Manager, error) {
	if len(cfg.Key) < MinKeyLength {
		return nil, fmt.Errorf("session key must be at least %d bytes", MinKeyLength)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{config: cfg, now: time.Now}, nil
}

// Sign returns a signed session token for user
func (m *Manager) Sign(user server.User) (string, error) {
	if user.ID == "" {
		return "", errors.New("user ID is required")
	}
	now := m.now()
	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the user it names
func (m *Manager) Verify(token string) (*server.User, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.config.Key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("invalid session: missing subject")
	}
	return &server.User{ID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a session for user and sets it on w
func (m *Manager) Issue(w http.ResponseWriter, user server.User) error {
	token, err := m.Sign(user)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.CookieName,
		Value:    token,
		Path:     m.config.Path,
		MaxAge:   int(m.config.TTL.Seconds()),
		HttpOnly: true,
		Secure:   !m.config.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.config.CookieName,
		Value:    "",
		Path:     m.config.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !m.config.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Authenticate implements server.UserAuthenticator. A missing, expired or
// forged cookie is reported as server.ErrUnauthenticated.
func (m *Manager) Authenticate(r *http.Request) (*server.User, error) {
	c, err := r.Cookie(m.config.CookieName)
	if err != nil || c.Value == "" {
		return nil, server.ErrUnauthenticated
	}
	user, err := m.Verify(c.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", server.ErrUnauthenticated, err)
	}
	return user, nil
}
