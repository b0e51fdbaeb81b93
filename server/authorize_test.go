package server

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/security"
)

func TestAuthorize_DirectErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)

	tests := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{"missing client_id", func(r *AuthorizationRequest) { r.ClientID = "" }, ErrorCodeInvalidRequest},
		{"malformed client_id", func(r *AuthorizationRequest) { r.ClientID = "<script>" }, ErrorCodeInvalidRequest},
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "oauth2_client_unknown1" }, ErrorCodeInvalidRequest},
		{"missing redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "" }, ErrorCodeInvalidRequest},
		{"unregistered redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }, ErrorCodeInvalidRedirectURI},
		{"redirect_uri prefix", func(r *AuthorizationRequest) { r.RedirectURI = testRedirectURI + "/extra" }, ErrorCodeInvalidRedirectURI},
		{"redirect_uri with query", func(r *AuthorizationRequest) { r.RedirectURI = testRedirectURI + "?x=1" }, ErrorCodeInvalidRedirectURI},
		{"javascript redirect_uri", func(r *AuthorizationRequest) { r.RedirectURI = "javascript:alert(1)" }, ErrorCodeInvalidRedirectURI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testAuthorizationRequest()
			tt.mutate(&req)
			out := srv.Authorization.Authorize(context.Background(), req, testUser)
			require.Equal(t, OutcomeError, out.Kind, "must never redirect to an unverified URI")
			require.NotNil(t, out.Err)
			assert.Equal(t, tt.wantCode, out.Err.Code)
			assert.Empty(t, out.RedirectURL)
		})
	}
}

func TestAuthorize_InactiveClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	require.NoError(t, srv.Clients.Deactivate(context.Background(), testClientID))

	out := srv.Authorization.Authorize(context.Background(), testAuthorizationRequest(), testUser)
	require.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, ErrorCodeInvalidRequest, out.Err.Code)
}

func TestAuthorize_RedirectErrors(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.RequireS256 = true })
	registerTestClient(t, srv, ClientTypeConfidential)

	tests := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{"token response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, ErrorCodeUnsupportedResponseType},
		{"missing response type", func(r *AuthorizationRequest) { r.ResponseType = "" }, ErrorCodeUnsupportedResponseType},
		{"scope not allowed for client", func(r *AuthorizationRequest) { r.Scope = "read:orders" }, ErrorCodeInvalidScope},
		{"unknown scope", func(r *AuthorizationRequest) { r.Scope = "read:profile admin" }, ErrorCodeInvalidScope},
		{"malformed scope", func(r *AuthorizationRequest) { r.Scope = "read:profile <b>" }, ErrorCodeInvalidScope},
		{"missing challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "" }, ErrorCodeInvalidRequest},
		{"short challenge", func(r *AuthorizationRequest) { r.CodeChallenge = "abc" }, ErrorCodeInvalidRequest},
		{"plain rejected", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" }, ErrorCodeInvalidRequest},
		{"unknown method", func(r *AuthorizationRequest) { r.CodeChallengeMethod = "S512" }, ErrorCodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testAuthorizationRequest()
			tt.mutate(&req)
			out := srv.Authorization.Authorize(context.Background(), req, testUser)
			require.Equal(t, OutcomeRedirect, out.Kind)
			assert.True(t, strings.HasPrefix(out.RedirectURL, testRedirectURI+"?"))

			q := redirectQuery(t, out.RedirectURL)
			assert.Equal(t, tt.wantCode, q.Get("error"))
			assert.Equal(t, testState, q.Get("state"))
			assert.Empty(t, q.Get("code"))
		})
	}
}

func TestAuthorize_MaliciousStateNotEchoed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)

	req := testAuthorizationRequest()
	req.State = "<script>alert(1)</script>"
	out := srv.Authorization.Authorize(context.Background(), req, testUser)
	require.Equal(t, OutcomeRedirect, out.Kind)

	q := redirectQuery(t, out.RedirectURL)
	assert.Equal(t, ErrorCodeInvalidRequest, q.Get("error"))
	assert.Empty(t, q.Get("state"))
	assert.NotContains(t, out.RedirectURL, "script")
}

func TestAuthorize_PKCE(t *testing.T) {
	t.Run("plain allowed by default", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		_, secret := registerTestClient(t, srv, ClientTypeConfidential)

		req := testAuthorizationRequest()
		req.CodeChallenge = testVerifier
		req.CodeChallengeMethod = ""
		code := obtainCode(t, srv, req)

		_, e := srv.TokenFlow.Exchange(context.Background(), TokenRequest{
			GrantType:    GrantTypeAuthorizationCode,
			Code:         code,
			RedirectURI:  testRedirectURI,
			CodeVerifier: testVerifier,
			ClientID:     testClientID,
			ClientSecret: secret,
		})
		assert.Nil(t, e)
	})

	t.Run("optional for confidential clients when not required", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *Config) { c.RequirePKCE = false })
		registerTestClient(t, srv, ClientTypeConfidential)

		req := testAuthorizationRequest()
		req.CodeChallenge = ""
		req.CodeChallengeMethod = ""
		obtainCode(t, srv, req)
	})

	t.Run("always required for public clients", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *Config) { c.RequirePKCE = false })
		registerTestClient(t, srv, ClientTypePublic)

		req := testAuthorizationRequest()
		req.CodeChallenge = ""
		req.CodeChallengeMethod = ""
		out := srv.Authorization.Authorize(context.Background(), req, testUser)
		require.Equal(t, OutcomeRedirect, out.Kind)
		assert.Equal(t, ErrorCodeInvalidRequest, redirectQuery(t, out.RedirectURL).Get("error"))
	})
}

func TestAuthorize_Unauthenticated(t *testing.T) {
	t.Run("login url configured", func(t *testing.T) {
		srv, _ := newTestServer(t, func(c *Config) { c.LoginURL = "https://auth.example.com/login" })
		registerTestClient(t, srv, ClientTypeConfidential)

		out := srv.Authorization.Authorize(context.Background(), testAuthorizationRequest(), nil)
		assert.Equal(t, OutcomeLogin, out.Kind)
	})

	t.Run("no login url", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		registerTestClient(t, srv, ClientTypeConfidential)

		out := srv.Authorization.Authorize(context.Background(), testAuthorizationRequest(), nil)
		require.Equal(t, OutcomeRedirect, out.Kind)
		q := redirectQuery(t, out.RedirectURL)
		assert.Equal(t, ErrorCodeAccessDenied, q.Get("error"))
		assert.Equal(t, testState, q.Get("state"))
	})
}

func TestAuthorize_ExistingConsentSkipsPrompt(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	_, err := srv.Consents.Grant(ctx, testUser.ID, testClientID, []string{"read:profile", "write:profile"})
	require.NoError(t, err)

	out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), testUser)
	require.Equal(t, OutcomeRedirect, out.Kind)
	q := redirectQuery(t, out.RedirectURL)
	assert.NotEmpty(t, q.Get("code"))
	assert.Equal(t, testState, q.Get("state"))

	// consent for read:profile does not cover a wider request of another user
	other := &User{ID: "user-7"}
	out = srv.Authorization.Authorize(ctx, testAuthorizationRequest(), other)
	assert.Equal(t, OutcomeConsent, out.Kind)
}

func TestAuthorize_DefaultScopes(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)

	req := testAuthorizationRequest()
	req.Scope = ""
	out := srv.Authorization.Authorize(context.Background(), req, testUser)
	require.Equal(t, OutcomeConsent, out.Kind)
	require.Len(t, out.Consent.Scopes, 2)
	assert.Equal(t, "read:profile", out.Consent.Scopes[0].Name)
	assert.Equal(t, "write:profile", out.Consent.Scopes[1].Name)
}

func TestDecide_Denied(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), testUser)
	require.Equal(t, OutcomeConsent, out.Kind)

	out = srv.Authorization.Decide(ctx, ConsentDecision{
		ClientID:  testClientID,
		CSRFState: out.Consent.CSRFState,
		Approved:  false,
	}, testUser)
	require.Equal(t, OutcomeRedirect, out.Kind)
	q := redirectQuery(t, out.RedirectURL)
	assert.Equal(t, ErrorCodeAccessDenied, q.Get("error"))
	assert.Equal(t, testState, q.Get("state"))

	covered, err := srv.Consents.Check(ctx, testUser.ID, testClientID, []string{"read:profile"})
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestDecide_CSRFState(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	prompt := func() string {
		out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), testUser)
		require.Equal(t, OutcomeConsent, out.Kind)
		return out.Consent.CSRFState
	}

	t.Run("single use", func(t *testing.T) {
		state := prompt()
		d := ConsentDecision{ClientID: testClientID, CSRFState: state, Approved: true}

		out := srv.Authorization.Decide(ctx, d, testUser)
		require.Equal(t, OutcomeRedirect, out.Kind)

		out = srv.Authorization.Decide(ctx, d, testUser)
		require.Equal(t, OutcomeError, out.Kind)
		assert.Equal(t, ErrorCodeInvalidRequest, out.Err.Code)
	})

	t.Run("bound to user", func(t *testing.T) {
		state := prompt()
		out := srv.Authorization.Decide(ctx, ConsentDecision{
			ClientID: testClientID, CSRFState: state, Approved: true,
		}, &User{ID: "mallory"})
		require.Equal(t, OutcomeError, out.Kind)

		// a failed attempt destroys the state
		out = srv.Authorization.Decide(ctx, ConsentDecision{
			ClientID: testClientID, CSRFState: state, Approved: true,
		}, testUser)
		assert.Equal(t, OutcomeError, out.Kind)
	})

	t.Run("bound to client", func(t *testing.T) {
		state := prompt()
		out := srv.Authorization.Decide(ctx, ConsentDecision{
			ClientID: "oauth2_client_other123", CSRFState: state, Approved: true,
		}, testUser)
		assert.Equal(t, OutcomeError, out.Kind)
	})

	t.Run("unknown or malformed", func(t *testing.T) {
		for _, state := range []string{"", "short", strings.Repeat("a", 43), "../../etc/passwd"} {
			out := srv.Authorization.Decide(ctx, ConsentDecision{
				ClientID: testClientID, CSRFState: state, Approved: true,
			}, testUser)
			assert.Equal(t, OutcomeError, out.Kind, state)
		}
	})

	t.Run("signed out", func(t *testing.T) {
		state := prompt()
		out := srv.Authorization.Decide(ctx, ConsentDecision{
			ClientID: testClientID, CSRFState: state, Approved: true,
		}, nil)
		require.Equal(t, OutcomeError, out.Kind)
		assert.Equal(t, ErrorCodeAccessDenied, out.Err.Code)
	})
}

func TestDecide_ClientDeactivatedDuringConsent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), testUser)
	require.Equal(t, OutcomeConsent, out.Kind)
	require.NoError(t, srv.Clients.Deactivate(ctx, testClientID))

	out = srv.Authorization.Decide(ctx, ConsentDecision{
		ClientID: testClientID, CSRFState: out.Consent.CSRFState, Approved: true,
	}, testUser)
	assert.Equal(t, OutcomeError, out.Kind)
}

func TestAuthorize_RateLimit(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	limit := security.DefaultLimits()[security.EndpointAuthorize].Requests
	for i := 0; i < limit; i++ {
		out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), nil)
		require.NotEqual(t, OutcomeError, out.Kind, "request %d", i+1)
	}

	out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), nil)
	require.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, ErrorCodeRateLimitExceeded, out.Err.Code)
	assert.Equal(t, 429, out.Err.Status)
	assert.Positive(t, out.Err.RetryAfter)
}

func TestAuthorize_AbuseBlocksRedirectProbing(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	ctx := security.WithClientIP(context.Background(), "198.51.100.4")

	threshold := security.DefaultAbuseThresholds()[security.AbuseInvalidRedirect]
	req := testAuthorizationRequest()
	req.RedirectURI = "https://evil.example.com/cb"
	for i := 0; i <= threshold; i++ {
		out := srv.Authorization.Authorize(ctx, req, testUser)
		require.Equal(t, ErrorCodeInvalidRedirectURI, out.Err.Code)
	}

	// the source is now blocked even for valid requests
	out := srv.Authorization.Authorize(ctx, testAuthorizationRequest(), testUser)
	require.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, ErrorCodeRateLimitExceeded, out.Err.Code)
	assert.Equal(t, "abuse_detected", out.Err.Description)
}
