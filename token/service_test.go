package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/storagetest"
)

const testIssuer = "https://auth.example.com"

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *memory.Store) {
	t.Helper()

	kv := memory.New()
	t.Cleanup(kv.Stop)

	key, err := security.GenerateKey()
	require.NoError(t, err)
	crypto, err := security.NewTokenCrypto(key)
	require.NoError(t, err)

	cfg := Config{Issuer: testIssuer, SigningKey: testSigningKey}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(kv, crypto, security.NewAuditor(nil, true), cfg)
	require.NoError(t, err)
	return svc, kv
}

func newHookedService(t *testing.T) (*Service, *storagetest.HookedKV) {
	t.Helper()

	mem := memory.New()
	t.Cleanup(mem.Stop)
	kv := storagetest.NewHookedKV(mem)

	key, err := security.GenerateKey()
	require.NoError(t, err)
	crypto, err := security.NewTokenCrypto(key)
	require.NoError(t, err)
	svc, err := NewService(kv, crypto, nil, Config{Issuer: testIssuer, SigningKey: testSigningKey})
	require.NoError(t, err)
	return svc, kv
}

func TestNewService_Validation(t *testing.T) {
	kv := memory.New()
	defer kv.Stop()
	key, _ := security.GenerateKey()
	crypto, _ := security.NewTokenCrypto(key)

	_, err := NewService(kv, crypto, nil, Config{SigningKey: testSigningKey})
	assert.Error(t, err, "issuer required")

	_, err = NewService(kv, crypto, nil, Config{Issuer: testIssuer, SigningKey: []byte("short")})
	assert.Error(t, err, "short key")

	_, err = NewService(nil, crypto, nil, Config{Issuer: testIssuer, SigningKey: testSigningKey})
	assert.Error(t, err, "nil store")

	svc, err := NewService(kv, crypto, nil, Config{Issuer: testIssuer, SigningKey: testSigningKey})
	require.NoError(t, err)
	assert.Equal(t, DefaultAccessTokenTTL, svc.AccessTokenTTL())
}

// ============================================================
// Access tokens
// ============================================================

func TestAccessToken_RoundTrip(t *testing.T) {
	svc, _ := newTestService(t, nil)

	tok, ttl, err := svc.IssueAccessToken("user-1", "client-1", []string{"write", "read"})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	claims, err := svc.ValidateAccessToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, jwt.ClaimStrings{"client-1"}, claims.Audience)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "read write", claims.Scope)
	assert.Equal(t, []string{"read", "write"}, claims.Scopes())
	assert.NotEmpty(t, claims.ID)
}

func TestAccessToken_Expired(t *testing.T) {
	svc, _ := newTestService(t, func(c *Config) { c.AccessTokenTTL = time.Minute })

	tok, _, err := svc.IssueAccessToken("user-1", "client-1", nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ValidateAccessToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAccessToken_Rejections(t *testing.T) {
	svc, _ := newTestService(t, nil)
	other, _ := newTestService(t, func(c *Config) { c.SigningKey = []byte(strings.Repeat("k", 32)) })
	otherIssuer, _ := newTestService(t, func(c *Config) { c.Issuer = "https://evil.example.com" })

	foreign, _, err := other.IssueAccessToken("user-1", "client-1", nil)
	require.NoError(t, err)
	wrongIss, _, err := otherIssuer.IssueAccessToken("user-1", "client-1", nil)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
		"iss": testIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"wrong key":    foreign,
		"wrong issuer": wrongIss,
		"alg none":     unsigned,
		"garbage":      "not.a.jwt",
		"empty":        "",
	} {
		_, err := svc.ValidateAccessToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

// ============================================================
// Refresh tokens
// ============================================================

func TestRefreshToken_StoredHashedAndEncrypted(t *testing.T) {
	svc, kv := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", []string{"read"})
	require.NoError(t, err)
	assert.Len(t, tok, 43)

	_, err = kv.Get(ctx, refreshPrefix+tok)
	assert.Error(t, err, "token must not be a storage key")

	raw, err := kv.Get(ctx, refreshPrefix+HashToken(tok))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "client-1")
	assert.NotContains(t, string(raw), "user-1")
}

func TestRotate(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	old, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", []string{"read"})
	require.NoError(t, err)
	first, err := svc.Lookup(ctx, old)
	require.NoError(t, err)

	rec, newTok, err := svc.Rotate(ctx, old, "client-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, old, newTok)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, []string{"read"}, rec.Scopes)
	assert.Equal(t, first.FamilyID, rec.FamilyID)

	// old token is dead, new token works
	_, _, err = svc.Rotate(ctx, old, "client-1", nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, _, err = svc.Rotate(ctx, newTok, "client-1", nil)
	assert.NoError(t, err)
}

func TestRotate_WrongClient(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", nil)
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, tok, "client-2", nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	// still usable by its owner
	_, _, err = svc.Rotate(ctx, tok, "client-1", nil)
	assert.NoError(t, err)
}

func TestRotate_ScopeNarrowing(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", []string{"read", "write"})
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, tok, "client-1", []string{"admin"})
	assert.ErrorIs(t, err, ErrInvalidScope)

	rec, _, err := svc.Rotate(ctx, tok, "client-1", []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, rec.Scopes, "refresh token keeps the original grant")
}

func TestRotate_Expired(t *testing.T) {
	svc, _ := newTestService(t, func(c *Config) { c.RefreshTokenTTL = time.Hour })
	ctx := context.Background()

	tok, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = svc.Rotate(ctx, tok, "client-1", nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRotate_Concurrent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", []string{"read"})
	require.NoError(t, err)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []string
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, newTok, err := svc.Rotate(ctx, tok, "client-1", nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes = append(successes, newTok)
				return
			}
			if errors.Is(err, ErrInvalidGrant) {
				failures++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, successes, 1, "exactly one rotation may win")
	assert.Equal(t, workers-1, failures)

	// losers' tokens were discarded; only the winner's survives
	n, err := svc.RevokeForUserClient(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRotate_ReuseKeepsFamilyByDefault(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	old, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", nil)
	require.NoError(t, err)
	_, newTok, err := svc.Rotate(ctx, old, "client-1", nil)
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, old, "client-1", nil)
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, _, err = svc.Rotate(ctx, newTok, "client-1", nil)
	assert.NoError(t, err)
}

func TestRotate_ReuseRevokesFamilyWhenEnabled(t *testing.T) {
	svc, _ := newTestService(t, func(c *Config) { c.RevokeFamilyOnReuse = true })
	ctx := context.Background()

	old, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", nil)
	require.NoError(t, err)
	_, newTok, err := svc.Rotate(ctx, old, "client-1", nil)
	require.NoError(t, err)

	// unrelated grant for the same user and client
	other, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", nil)
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, old, "client-1", nil)
	require.ErrorIs(t, err, ErrInvalidGrant)

	_, _, err = svc.Rotate(ctx, newTok, "client-1", nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)

	_, _, err = svc.Rotate(ctx, other, "client-1", nil)
	assert.NoError(t, err)
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, tok))
	require.NoError(t, svc.Revoke(ctx, tok), "revocation is idempotent")
	require.NoError(t, svc.Revoke(ctx, "never-issued"))
	require.NoError(t, svc.Revoke(ctx, ""))

	_, _, err = svc.Rotate(ctx, tok, "client-1", nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestIssueRefreshToken_RevocationRace(t *testing.T) {
	svc, kv := newHookedService(t)
	ctx := context.Background()

	// consent revocation runs while the token is half written
	idx := userClientIdxPrefix + "user-1:client-1"
	var raced atomic.Bool
	kv.After(func(ctx context.Context, op, key string) {
		if op == "SAdd" && key == idx && raced.CompareAndSwap(false, true) {
			n, err := svc.RevokeForUserClient(ctx, "user-1", "client-1")
			require.NoError(t, err)
			assert.Zero(t, n)
		}
	})

	tok, err := svc.IssueRefreshToken(ctx, "client-1", "user-1", nil)
	require.NoError(t, err)
	require.True(t, raced.Load())

	// the token outlived that revocation but is still reachable by the next
	members, err := kv.SMembers(ctx, idx)
	require.NoError(t, err)
	assert.Contains(t, members, HashToken(tok))

	n, err := svc.RevokeForUserClient(ctx, "user-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = svc.Lookup(ctx, tok)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRotate_ClientGone(t *testing.T) {
	svc, kv := newHookedService(t)
	bg := context.Background()
	old, err := svc.IssueRefreshToken(bg, "client-1", "user-1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	var armed atomic.Bool
	armed.Store(true)
	kv.After(func(_ context.Context, op, key string) {
		if op == "Set" && strings.HasPrefix(key, refreshPrefix) && armed.CompareAndSwap(true, false) {
			cancel()
		}
	})

	_, newTok, err := svc.Rotate(ctx, old, "client-1", nil)
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	_, err = svc.Lookup(bg, old)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = svc.Lookup(bg, newTok)
	assert.NoError(t, err)

	n, err := svc.RevokeForUserClient(bg, "user-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "no orphaned tokens")
}

func TestRevokeForUserClientAndClient(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	a1, _ := svc.IssueRefreshToken(ctx, "client-a", "user-1", nil)
	a2, _ := svc.IssueRefreshToken(ctx, "client-a", "user-1", nil)
	a3, _ := svc.IssueRefreshToken(ctx, "client-a", "user-2", nil)
	b1, _ := svc.IssueRefreshToken(ctx, "client-b", "user-1", nil)

	n, err := svc.RevokeForUserClient(ctx, "user-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tok := range []string{a1, a2} {
		_, err := svc.Lookup(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	}
	_, err = svc.Lookup(ctx, a3)
	assert.NoError(t, err)

	n, err = svc.RevokeForClient(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Lookup(ctx, a3)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	_, err = svc.Lookup(ctx, b1)
	assert.NoError(t, err)
}
