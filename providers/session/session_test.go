package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/server"
)

var testKey = []byte(strings.Repeat("s", MinKeyLength))

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{Key: testKey, Issuer: "https://auth.example.com"})
	require.NoError(t, err)
	return m
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New(Config{Key: []byte("short")})
	assert.Error(t, err)
}

func TestManager_IssueAndAuthenticate(t *testing.T) {
	m := newTestManager(t)

	rec := httptest.NewRecorder()
	require.NoError(t, m.Issue(rec, server.User{ID: "user-1", Role: server.RoleAdmin}))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, DefaultCookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	user, err := m.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.True(t, user.IsAdmin())
}

func TestManager_Authenticate_Rejects(t *testing.T) {
	m := newTestManager(t)
	valid, err := m.Sign(server.User{ID: "user-1"})
	require.NoError(t, err)

	other, err := New(Config{Key: []byte(strings.Repeat("o", MinKeyLength)), Issuer: "https://auth.example.com"})
	require.NoError(t, err)
	forged, err := other.Sign(server.User{ID: "user-1"})
	require.NoError(t, err)

	wrongIssuer, err := New(Config{Key: testKey, Issuer: "https://evil.example.com"})
	require.NoError(t, err)
	foreign, err := wrongIssuer.Sign(server.User{ID: "user-1"})
	require.NoError(t, err)

	tests := map[string]string{
		"no cookie":    "",
		"garbage":      "not-a-jwt",
		"wrong key":    forged,
		"wrong issuer": foreign,
		"tampered":     valid[:len(valid)-2] + "xx",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if value != "" {
				req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: value})
			}
			_, err := m.Authenticate(req)
			assert.ErrorIs(t, err, server.ErrUnauthenticated)
		})
	}
}

func TestManager_Expiry(t *testing.T) {
	m := newTestManager(t)
	issued := time.Now()
	m.now = func() time.Time { return issued }
	token, err := m.Sign(server.User{ID: "user-1"})
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(DefaultTTL + time.Minute) }
	_, err = m.Verify(token)
	assert.Error(t, err)
}

func TestManager_Clear(t *testing.T) {
	m := newTestManager(t)
	rec := httptest.NewRecorder()
	m.Clear(rec)
	c := rec.Result().Cookies()[0]
	assert.Equal(t, -1, c.MaxAge)
	assert.Empty(t, c.Value)
}

func TestManager_SignRequiresUser(t *testing.T) {
	_, err := newTestManager(t).Sign(server.User{})
	assert.Error(t, err)
}
