package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testClientID    = "oauth2_client_abc12345"
	testRedirectURI = "https://app.example.com/cb"
	testScope       = "read:profile"
	testState       = "xyz789"

	// RFC 7636 appendix B
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

var testUser = &User{ID: "user-42"}

func newTestScopes() *StaticScopeRegistry {
	return NewStaticScopeRegistry(
		Scope{Name: "read:profile", Description: "Read your profile"},
		Scope{Name: "write:profile", Description: "Update your profile"},
		Scope{Name: "read:orders", Description: "Read your orders"},
	)
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *memory.Store) {
	t.Helper()

	kv := memory.New()
	t.Cleanup(kv.Stop)
	return newTestServerWithKV(t, kv, mutate), kv
}

func newTestServerWithKV(t *testing.T, kv storage.KV, mutate func(*Config)) *Server {
	t.Helper()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	crypto, err := security.NewTokenCrypto(key)
	require.NoError(t, err)

	cfg := DefaultConfig(testIssuer)
	cfg.Tokens.SigningKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.BcryptCost = bcrypt.MinCost
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg, Dependencies{
		KV:     kv,
		Crypto: crypto,
		Scopes: newTestScopes(),
	})
	require.NoError(t, err)
	return srv
}

// registerTestClient registers testClientID with read and write profile scopes
func registerTestClient(t *testing.T, srv *Server, typ ClientType) (*storage.Client, string) {
	t.Helper()
	client, secret, err := srv.Clients.Register(context.Background(), ClientSpec{
		ClientID:      testClientID,
		Name:          "Example App",
		Type:          typ,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"read:profile", "write:profile"},
		OwnerUserID:   "owner-1",
	})
	require.NoError(t, err)
	return client, secret
}

func testAuthorizationRequest() AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            testClientID,
		RedirectURI:         testRedirectURI,
		Scope:               testScope,
		State:               testState,
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	}
}

// obtainCode runs authorize + consent approval and returns the issued code
func obtainCode(t *testing.T, srv *Server, req AuthorizationRequest) string {
	t.Helper()
	ctx := context.Background()

	out := srv.Authorization.Authorize(ctx, req, testUser)
	if out.Kind == OutcomeConsent {
		out = srv.Authorization.Decide(ctx, ConsentDecision{
			ClientID:  req.ClientID,
			CSRFState: out.Consent.CSRFState,
			Approved:  true,
		}, testUser)
	}
	require.Equal(t, OutcomeRedirect, out.Kind, "outcome: %+v", out)

	q := redirectQuery(t, out.RedirectURL)
	require.Empty(t, q.Get("error"), q.Get("error_description"))
	require.NotEmpty(t, q.Get("code"))
	return q.Get("code")
}

func redirectQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func TestNew_RequiresDependencies(t *testing.T) {
	kv := memory.New()
	defer kv.Stop()
	key, _ := security.GenerateKey()
	crypto, _ := security.NewTokenCrypto(key)

	cfg := DefaultConfig(testIssuer)
	cfg.Tokens.SigningKey = []byte("0123456789abcdef0123456789abcdef")

	_, err := New(cfg, Dependencies{Crypto: crypto, Scopes: newTestScopes()})
	assert.Error(t, err)

	_, err = New(cfg, Dependencies{KV: kv, Scopes: newTestScopes()})
	assert.Error(t, err)

	_, err = New(cfg, Dependencies{KV: kv, Crypto: crypto})
	assert.Error(t, err)

	bad := cfg
	bad.Tokens.SigningKey = []byte("short")
	_, err = New(bad, Dependencies{KV: kv, Crypto: crypto, Scopes: newTestScopes()})
	assert.Error(t, err)

	srv, err := New(cfg, Dependencies{KV: kv, Crypto: crypto, Scopes: newTestScopes()})
	require.NoError(t, err)
	assert.Equal(t, testIssuer, srv.Config.Tokens.Issuer)
	assert.NotNil(t, srv.Auditor)
}

func TestEndToEnd_CodeFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), testUser)
	require.Equal(t, OutcomeConsent, out.Kind)
	require.NotNil(t, out.Consent)
	assert.Equal(t, "Example App", out.Consent.ClientName)
	assert.Equal(t, []Scope{{Name: "read:profile", Description: "Read your profile"}}, out.Consent.Scopes)

	out = srv.Authorization.Decide(ctx, ConsentDecision{
		ClientID:  testClientID,
		CSRFState: out.Consent.CSRFState,
		Approved:  true,
	}, testUser)
	require.Equal(t, OutcomeRedirect, out.Kind)
	assert.Contains(t, out.RedirectURL, testRedirectURI+"?")

	q := redirectQuery(t, out.RedirectURL)
	assert.Equal(t, testState, q.Get("state"))
	code := q.Get("code")
	require.Len(t, code, 43)

	resp, e := srv.TokenFlow.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     testClientID,
		ClientSecret: secret,
	})
	require.Nil(t, e)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, testScope, resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken)

	claims, err := srv.Tokens.ValidateAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testUser.ID, claims.Subject)
	assert.Equal(t, testClientID, claims.ClientID)
	assert.Equal(t, testScope, claims.Scope)

	// replay
	_, e = srv.TokenFlow.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     testClientID,
		ClientSecret: secret,
	})
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)
	assert.Equal(t, 400, e.Status)
}

func TestServer_ClientIP(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) {
		c.TrustProxy = true
		c.TrustedProxyCount = 1
	})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", srv.ClientIP(r))

	srv, _ = newTestServer(t, nil)
	assert.Equal(t, "10.0.0.1", srv.ClientIP(r))
}
