package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/security"
)

func codeExchange(code, secret string) TokenRequest {
	return TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testVerifier,
		ClientID:     testClientID,
		ClientSecret: secret,
	}
}

func TestExchange_ClientAuthentication(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*TokenRequest)
	}{
		{"wrong secret", func(r *TokenRequest) { r.ClientSecret = "wrong" }},
		{"missing secret", func(r *TokenRequest) { r.ClientSecret = "" }},
		{"unknown client", func(r *TokenRequest) { r.ClientID = "oauth2_client_unknown1" }},
		{"malformed client", func(r *TokenRequest) { r.ClientID = "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := codeExchange("irrelevant-code-value-irrelevant-code-value", secret)
			tt.mutate(&req)
			_, e := srv.TokenFlow.Exchange(ctx, req)
			require.NotNil(t, e)
			assert.Equal(t, ErrorCodeInvalidClient, e.Code)
			assert.Equal(t, 401, e.Status)
		})
	}
}

func TestExchange_PublicClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypePublic)
	ctx := context.Background()

	code := obtainCode(t, srv, testAuthorizationRequest())

	req := codeExchange(code, "unexpected")
	_, e := srv.TokenFlow.Exchange(ctx, req)
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidClient, e.Code)

	resp, e := srv.TokenFlow.Exchange(ctx, codeExchange(code, ""))
	require.Nil(t, e)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestExchange_GrantTypes(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	req := codeExchange("", secret)
	req.GrantType = "client_credentials"
	_, e := srv.TokenFlow.Exchange(ctx, req)
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeUnsupportedGrantType, e.Code)

	req.GrantType = ""
	_, e = srv.TokenFlow.Exchange(ctx, req)
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidRequest, e.Code)

	req.GrantType = GrantTypeAuthorizationCode
	_, e = srv.TokenFlow.Exchange(ctx, req)
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidRequest, e.Code, "missing code")
}

func TestExchange_CodeBindings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TokenRequest)
	}{
		{"wrong verifier", func(r *TokenRequest) { r.CodeVerifier = "wrong-verifier-wrong-verifier-wrong-verifier" }},
		{"missing verifier", func(r *TokenRequest) { r.CodeVerifier = "" }},
		{"redirect_uri mismatch", func(r *TokenRequest) { r.RedirectURI = "https://app.example.com/other" }},
		{"missing redirect_uri", func(r *TokenRequest) { r.RedirectURI = "" }},
		{"malformed code", func(r *TokenRequest) { r.Code = "short" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, nil)
			_, secret := registerTestClient(t, srv, ClientTypeConfidential)
			ctx := context.Background()

			code := obtainCode(t, srv, testAuthorizationRequest())
			req := codeExchange(code, secret)
			tt.mutate(&req)

			_, e := srv.TokenFlow.Exchange(ctx, req)
			require.NotNil(t, e)
			assert.Equal(t, ErrorCodeInvalidGrant, e.Code)
			assert.Equal(t, 400, e.Status)
		})
	}
}

func TestExchange_FailedAttemptConsumesCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	code := obtainCode(t, srv, testAuthorizationRequest())
	bad := codeExchange(code, secret)
	bad.CodeVerifier = "wrong-verifier-wrong-verifier-wrong-verifier"
	_, e := srv.TokenFlow.Exchange(ctx, bad)
	require.NotNil(t, e)

	_, e = srv.TokenFlow.Exchange(ctx, codeExchange(code, secret))
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)
}

func TestExchange_CodeOfAnotherClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	_, otherSecret, err := srv.Clients.Register(ctx, ClientSpec{
		ClientID:      "oauth2_client_other123",
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"read:profile"},
	})
	require.NoError(t, err)

	code := obtainCode(t, srv, testAuthorizationRequest())
	req := codeExchange(code, otherSecret)
	req.ClientID = "oauth2_client_other123"

	_, e := srv.TokenFlow.Exchange(ctx, req)
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)
	assert.True(t, e.SecurityEvent)
}

func TestExchange_CodeReplayRevokesTokens(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	code := obtainCode(t, srv, testAuthorizationRequest())
	resp, e := srv.TokenFlow.Exchange(ctx, codeExchange(code, secret))
	require.Nil(t, e)

	_, e = srv.TokenFlow.Exchange(ctx, codeExchange(code, secret))
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)

	_, err := srv.Tokens.Lookup(ctx, resp.RefreshToken)
	assert.Error(t, err)
}

func TestRefresh_Rotation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	req := testAuthorizationRequest()
	req.Scope = "read:profile write:profile"
	code := obtainCode(t, srv, req)
	first, e := srv.TokenFlow.Exchange(ctx, codeExchange(code, secret))
	require.Nil(t, e)

	refresh := func(token, scope string) (*TokenResponse, *Error) {
		return srv.TokenFlow.Exchange(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: token,
			Scope:        scope,
			ClientID:     testClientID,
			ClientSecret: secret,
		})
	}

	// widening leaves the token usable
	_, e = refresh(first.RefreshToken, "read:profile read:orders")
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidScope, e.Code)

	second, e := refresh(first.RefreshToken, "read:profile")
	require.Nil(t, e)
	assert.Equal(t, "read:profile", second.Scope)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	claims, err := srv.Tokens.ValidateAccessToken(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "read:profile", claims.Scope)

	// the old token is spent
	_, e = refresh(first.RefreshToken, "")
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)

	// the new one keeps the original grant
	third, e := refresh(second.RefreshToken, "")
	require.Nil(t, e)
	assert.Equal(t, "read:profile write:profile", third.Scope)
}

func TestRefresh_Errors(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	_, e := srv.TokenFlow.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		ClientID:     testClientID,
		ClientSecret: secret,
	})
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidRequest, e.Code)

	_, e = srv.TokenFlow.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: "not-a-real-token",
		ClientID:     testClientID,
		ClientSecret: secret,
	})
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)

	// token bound to another client
	rt, err := srv.Tokens.IssueRefreshToken(ctx, "oauth2_client_other123", "user-1", []string{"read:profile"})
	require.NoError(t, err)
	_, e = srv.TokenFlow.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: rt,
		ClientID:     testClientID,
		ClientSecret: secret,
	})
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)
}

func TestRevoke(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	own, err := srv.Tokens.IssueRefreshToken(ctx, testClientID, "user-1", []string{"read:profile"})
	require.NoError(t, err)
	foreign, err := srv.Tokens.IssueRefreshToken(ctx, "oauth2_client_other123", "user-1", []string{"read:profile"})
	require.NoError(t, err)

	// failed authentication looks like success and revokes nothing
	assert.Nil(t, srv.TokenFlow.Revoke(ctx, RevocationRequest{Token: own, ClientID: testClientID, ClientSecret: "wrong"}))
	_, err = srv.Tokens.Lookup(ctx, own)
	require.NoError(t, err)

	// another client's token is left alone
	assert.Nil(t, srv.TokenFlow.Revoke(ctx, RevocationRequest{Token: foreign, ClientID: testClientID, ClientSecret: secret}))
	_, err = srv.Tokens.Lookup(ctx, foreign)
	require.NoError(t, err)

	assert.Nil(t, srv.TokenFlow.Revoke(ctx, RevocationRequest{Token: own, ClientID: testClientID, ClientSecret: secret}))
	_, err = srv.Tokens.Lookup(ctx, own)
	assert.Error(t, err)

	// idempotent and silent for unknown tokens
	assert.Nil(t, srv.TokenFlow.Revoke(ctx, RevocationRequest{Token: own, ClientID: testClientID, ClientSecret: secret}))
	assert.Nil(t, srv.TokenFlow.Revoke(ctx, RevocationRequest{Token: "unknown", ClientID: testClientID, ClientSecret: secret}))
}

func TestIntrospect(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := context.Background()

	code := obtainCode(t, srv, testAuthorizationRequest())
	resp, e := srv.TokenFlow.Exchange(ctx, codeExchange(code, secret))
	require.Nil(t, e)

	info, e := srv.TokenFlow.Introspect(ctx, resp.AccessToken, testClientID, secret)
	require.Nil(t, e)
	assert.True(t, info.Active)
	assert.Equal(t, testUser.ID, info.Subject)
	assert.Equal(t, testScope, info.Scope)
	assert.Equal(t, "access_token", info.TokenType)
	assert.Equal(t, testIssuer, info.Issuer)

	info, e = srv.TokenFlow.Introspect(ctx, resp.RefreshToken, testClientID, secret)
	require.Nil(t, e)
	assert.True(t, info.Active)
	assert.Equal(t, "refresh_token", info.TokenType)

	info, e = srv.TokenFlow.Introspect(ctx, "garbage", testClientID, secret)
	require.Nil(t, e)
	assert.False(t, info.Active)

	_, e = srv.TokenFlow.Introspect(ctx, resp.AccessToken, testClientID, "wrong")
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeInvalidClient, e.Code)
}

func TestIntrospect_PublicClientRejected(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypePublic)

	_, e := srv.TokenFlow.Introspect(context.Background(), "anything", testClientID, "")
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeUnauthorizedClient, e.Code)
}

func TestExchange_AbuseBlocksFailedAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)
	ctx := security.WithClientIP(context.Background(), "198.51.100.9")

	threshold := security.DefaultAbuseThresholds()[security.AbuseFailedAuth]
	for i := 0; i <= threshold; i++ {
		_, e := srv.TokenFlow.Exchange(ctx, TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			RefreshToken: "x",
			ClientID:     testClientID,
			ClientSecret: "wrong",
		})
		require.NotNil(t, e)
		require.Equal(t, ErrorCodeInvalidClient, e.Code)
	}

	_, e := srv.TokenFlow.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: "x",
		ClientID:     testClientID,
		ClientSecret: secret,
	})
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeRateLimitExceeded, e.Code)
	assert.Equal(t, "abuse_detected", e.Description)
}
