package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

// Fixture values shared by the HTTP level tests
const (
	Issuer      = "https://auth.example.com"
	ClientID    = "oauth2_client_abc12345"
	RedirectURI = "https://app.example.com/cb"
	Scope       = "read:profile"
	State       = "xyz789"
	OwnerID     = "owner-1"

	// RFC 7636 appendix B
	Verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	Challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	// SigningKey is a fixed HS256 key for access tokens
	SigningKey = "0123456789abcdef0123456789abcdef"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Scopes returns the scope registry used by the fixtures
func Scopes() *server.StaticScopeRegistry {
	return server.NewStaticScopeRegistry(
		server.Scope{Name: "read:profile", Description: "Read your profile"},
		server.Scope{Name: "write:profile", Description: "Update your profile"},
		server.Scope{Name: "read:orders", Description: "Read your orders"},
	)
}

// NewServer creates a server on a fresh in-memory store. mutate may adjust
// the configuration before the server is built.
func NewServer(t *testing.T, mutate func(*server.Config)) (*server.Server, *memory.Store) {
	t.Helper()

	kv := memory.New()
	t.Cleanup(kv.Stop)

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	crypto, err := security.NewTokenCrypto(key)
	if err != nil {
		t.Fatalf("failed to create token crypto: %v", err)
	}

	cfg := server.DefaultConfig(Issuer)
	cfg.Tokens.SigningKey = []byte(SigningKey)
	cfg.BcryptCost = bcrypt.MinCost
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := server.New(cfg, server.Dependencies{
		KV:     kv,
		Crypto: crypto,
		Scopes: Scopes(),
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, kv
}

// RegisterClient registers ClientID owned by OwnerID and returns its secret
func RegisterClient(t *testing.T, srv *server.Server, typ server.ClientType) (*storage.Client, string) {
	t.Helper()
	client, secret, err := srv.Clients.Register(context.Background(), server.ClientSpec{
		ClientID:      ClientID,
		Name:          "Example App",
		Type:          typ,
		RedirectURIs:  []string{RedirectURI},
		AllowedScopes: []string{"read:profile", "write:profile"},
		OwnerUserID:   OwnerID,
	})
	if err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	return client, secret
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a fresh S256 challenge and verifier pair
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-urlencoded body
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Body = form.Encode()
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// WithJSON sets a JSON body
func (r *HTTPRequest) WithJSON(body string) *HTTPRequest {
	r.Body = body
	r.Headers["Content-Type"] = "application/json"
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
