package security

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ClientID string   `json:"client_id"`
	UserID   string   `json:"user_id"`
	Scopes   []string `json:"scopes"`
}

func newTestCrypto(t *testing.T) *TokenCrypto {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewTokenCrypto(key)
	require.NoError(t, err)
	return c
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.NotEqual(t, k1, k2)
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	decoded, err := KeyFromBase64(KeyToBase64(key))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = KeyFromBase64(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = KeyFromBase64("not base64!!")
	assert.Error(t, err)
}

func TestNewTokenCrypto_InvalidKey(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		_, err := NewTokenCrypto(make([]byte, size))
		assert.ErrorIs(t, err, ErrInvalidKey, "size %d", size)
	}
}

func TestTokenCrypto_RoundTrip(t *testing.T) {
	c := newTestCrypto(t)
	in := testRecord{ClientID: "oauth2_client_abc12345", UserID: "user-1", Scopes: []string{"read:profile"}}

	ct, err := c.Encrypt(in)
	require.NoError(t, err)
	assert.NotContains(t, ct, "oauth2_client_abc12345")

	var out testRecord
	require.NoError(t, c.Decrypt(ct, time.Hour, &out))
	assert.Equal(t, in, out)
}

func TestTokenCrypto_NonDeterministic(t *testing.T) {
	c := newTestCrypto(t)
	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenCrypto_TamperDetection(t *testing.T) {
	c := newTestCrypto(t)
	ct, err := c.Encrypt(testRecord{ClientID: "client", UserID: "user"})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(ct)
	require.NoError(t, err)

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01

		var out testRecord
		err := c.Decrypt(base64.RawURLEncoding.EncodeToString(tampered), 0, &out)
		if !errors.Is(err, ErrTampered) {
			t.Fatalf("flipping byte %d: got %v, want ErrTampered", i, err)
		}
	}
}

func TestTokenCrypto_WrongKey(t *testing.T) {
	ct, err := newTestCrypto(t).Encrypt("secret")
	require.NoError(t, err)

	var out string
	err = newTestCrypto(t).Decrypt(ct, 0, &out)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestTokenCrypto_Expired(t *testing.T) {
	c := newTestCrypto(t)
	ct, err := c.Encrypt("payload")
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	var out string
	assert.ErrorIs(t, c.Decrypt(ct, time.Hour, &out), ErrCiphertextExpired)

	// maxAge zero disables the age check
	require.NoError(t, c.Decrypt(ct, 0, &out))
	assert.Equal(t, "payload", out)
}

func TestTokenCrypto_Malformed(t *testing.T) {
	c := newTestCrypto(t)
	var out string

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "invalid base64", input: "%%%not-base64%%%"},
		{name: "too short", input: base64.RawURLEncoding.EncodeToString([]byte("abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.Decrypt(tt.input, 0, &out), ErrDecryptionFailed)
		})
	}
}

func TestCanonicalJSON(t *testing.T) {
	a, err := canonicalJSON([]byte(`{"b": 1, "a": [1, 2], "c": {"y": true, "x": null}}`))
	require.NoError(t, err)
	b, err := canonicalJSON([]byte(`{"c":{"x":null,"y":true},"a":[1,2],"b":1}`))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, integrityHash(a), integrityHash(b))
}
