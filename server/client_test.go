package server

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/storage"
)

func TestParseClientType(t *testing.T) {
	tests := []struct {
		in      string
		want    ClientType
		wantErr bool
	}{
		{"", ClientTypeConfidential, false},
		{"confidential", ClientTypeConfidential, false},
		{"public", ClientTypePublic, false},
		{"Public", "", true},
		{"native", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClientType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientRegistry_Register(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	client, secret, err := srv.Clients.Register(ctx, ClientSpec{
		Name:          "Generated",
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"write:profile", "read:profile"},
		OwnerUserID:   "owner-1",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(client.ClientID, ClientIDPrefix))
	assert.Len(t, client.ClientID, len(ClientIDPrefix)+16)
	assert.NoError(t, srv.Guard.Input.ValidateClientID(ctx, client.ClientID))
	assert.Equal(t, string(ClientTypeConfidential), client.ClientType)
	assert.Len(t, secret, 43)
	assert.NotEqual(t, secret, client.SecretHash)
	assert.True(t, strings.HasPrefix(client.SecretHash, "$2"), "bcrypt hash")
	assert.Equal(t, []string{"read:profile", "write:profile"}, client.AllowedScopes)
	assert.True(t, client.Active)

	stored, ok := srv.Clients.Get(ctx, client.ClientID)
	require.True(t, ok)
	assert.Equal(t, client.SecretHash, stored.SecretHash)
}

func TestClientRegistry_RegisterPublic(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, secret := registerTestClient(t, srv, ClientTypePublic)
	assert.Empty(t, secret)
	assert.Empty(t, client.SecretHash)
	assert.Equal(t, testClientID, client.ClientID)
}

func TestClientRegistry_RegisterRejects(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		spec     ClientSpec
		wantCode string
	}{
		{
			name:     "no redirect uris",
			spec:     ClientSpec{AllowedScopes: []string{"read:profile"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "http redirect",
			spec:     ClientSpec{RedirectURIs: []string{"http://app.example.com/cb"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "javascript redirect",
			spec:     ClientSpec{RedirectURIs: []string{"javascript:alert(1)"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "shortener redirect",
			spec:     ClientSpec{RedirectURIs: []string{"https://bit.ly/abc"}},
			wantCode: ErrorCodeInvalidRedirectURI,
		},
		{
			name:     "unknown scope",
			spec:     ClientSpec{RedirectURIs: []string{testRedirectURI}, AllowedScopes: []string{"admin:all"}},
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "unknown type",
			spec:     ClientSpec{Type: "native", RedirectURIs: []string{testRedirectURI}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "malformed client id",
			spec:     ClientSpec{ClientID: "bad id!", RedirectURIs: []string{testRedirectURI}},
			wantCode: ErrorCodeInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := srv.Clients.Register(ctx, tt.spec)
			require.Error(t, err)
			var oe *Error
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, tt.wantCode, oe.Code)
		})
	}

	// loopback http is fine
	_, _, err := srv.Clients.Register(ctx, ClientSpec{RedirectURIs: []string{"http://127.0.0.1:8765/callback"}})
	assert.NoError(t, err)
}

func TestClientRegistry_RegisterDuplicateID(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypeConfidential)

	_, _, err := srv.Clients.Register(context.Background(), ClientSpec{
		ClientID:     testClientID,
		RedirectURIs: []string{testRedirectURI},
	})
	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, ErrorCodeInvalidRequest, oe.Code)
}

func TestClientRegistry_Validate(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	_, secret := registerTestClient(t, srv, ClientTypeConfidential)

	c, ok := srv.Clients.Validate(ctx, testClientID, secret)
	require.True(t, ok)
	assert.Equal(t, testClientID, c.ClientID)

	for name, tc := range map[string]struct{ id, secret string }{
		"wrong secret":   {testClientID, "wrong"},
		"empty secret":   {testClientID, ""},
		"unknown client": {"oauth2_client_unknown1", secret},
	} {
		t.Run(name, func(t *testing.T) {
			c, ok := srv.Clients.Validate(ctx, tc.id, tc.secret)
			assert.False(t, ok)
			assert.Nil(t, c)
		})
	}

	require.NoError(t, srv.Clients.Deactivate(ctx, testClientID))
	_, ok = srv.Clients.Validate(ctx, testClientID, secret)
	assert.False(t, ok, "inactive client fails closed")
}

func TestClientRegistry_ValidatePublic(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	registerTestClient(t, srv, ClientTypePublic)

	_, ok := srv.Clients.Validate(ctx, testClientID, "")
	assert.True(t, ok)

	_, ok = srv.Clients.Validate(ctx, testClientID, "some-secret")
	assert.False(t, ok, "public clients must not send a secret")
}

func TestClientRegistry_Update(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	registerTestClient(t, srv, ClientTypeConfidential)

	name := "Renamed"
	updated, err := srv.Clients.Update(ctx, testClientID, ClientPatch{
		Name:          &name,
		RedirectURIs:  []string{"https://app.example.com/cb2"},
		AllowedScopes: []string{"read:orders"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, []string{"https://app.example.com/cb2"}, updated.RedirectURIs)
	assert.Equal(t, []string{"read:orders"}, updated.AllowedScopes)

	_, err = srv.Clients.Update(ctx, testClientID, ClientPatch{RedirectURIs: []string{"ftp://x.example.com"}})
	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, ErrorCodeInvalidRedirectURI, oe.Code)

	_, err = srv.Clients.Update(ctx, "oauth2_client_missing1", ClientPatch{Name: &name})
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestClientRegistry_DeactivateRevokesTokens(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	registerTestClient(t, srv, ClientTypeConfidential)

	rt, err := srv.Tokens.IssueRefreshToken(ctx, testClientID, "user-1", []string{"read:profile"})
	require.NoError(t, err)

	require.NoError(t, srv.Clients.Deactivate(ctx, testClientID))
	c, ok := srv.Clients.Get(ctx, testClientID)
	require.True(t, ok)
	assert.False(t, c.Active)

	_, err = srv.Tokens.Lookup(ctx, rt)
	assert.Error(t, err)

	require.NoError(t, srv.Clients.Reactivate(ctx, testClientID))
	c, _ = srv.Clients.Get(ctx, testClientID)
	assert.True(t, c.Active)

	// revoked tokens stay revoked
	_, err = srv.Tokens.Lookup(ctx, rt)
	assert.Error(t, err)

	assert.ErrorIs(t, srv.Clients.Deactivate(ctx, "oauth2_client_missing1"), storage.ErrClientNotFound)
}

func TestClientRegistry_RegenerateSecret(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	_, oldSecret := registerTestClient(t, srv, ClientTypeConfidential)

	newSecret, err := srv.Clients.RegenerateSecret(ctx, testClientID)
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, newSecret)

	_, ok := srv.Clients.Validate(ctx, testClientID, oldSecret)
	assert.False(t, ok)
	_, ok = srv.Clients.Validate(ctx, testClientID, newSecret)
	assert.True(t, ok)
}

func TestClientRegistry_RegenerateSecretPublic(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	registerTestClient(t, srv, ClientTypePublic)

	_, err := srv.Clients.RegenerateSecret(context.Background(), testClientID)
	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, ErrorCodeInvalidRequest, oe.Code)
}

func TestClientRegistry_List(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()
	registerTestClient(t, srv, ClientTypeConfidential)
	_, _, err := srv.Clients.Register(ctx, ClientSpec{
		RedirectURIs: []string{testRedirectURI},
		OwnerUserID:  "owner-2",
	})
	require.NoError(t, err)

	mine, err := srv.Clients.List(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, testClientID, mine[0].ClientID)

	all, err := srv.Clients.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
