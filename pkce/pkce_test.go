package pkce

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

// RFC 7636 appendix B
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestChallengeS256_RFCVector(t *testing.T) {
	assert.Equal(t, rfcChallenge, ChallengeS256(rfcVerifier))
}

func TestChallengeS256_MatchesOAuth2Package(t *testing.T) {
	for i := 0; i < 10; i++ {
		v := oauth2.GenerateVerifier()
		assert.Equal(t, oauth2.S256ChallengeFromVerifier(v), ChallengeS256(v))
	}
}

func TestValidate(t *testing.T) {
	plain := strings.Repeat("a", 43)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    Method
		want      bool
	}{
		{name: "S256 RFC vector", verifier: rfcVerifier, challenge: rfcChallenge, method: MethodS256, want: true},
		{name: "S256 wrong verifier", verifier: strings.Repeat("b", 43), challenge: rfcChallenge, method: MethodS256},
		{name: "S256 verifier used as plain", verifier: rfcVerifier, challenge: rfcChallenge, method: MethodPlain},
		{name: "plain match", verifier: plain, challenge: plain, method: MethodPlain, want: true},
		{name: "plain mismatch", verifier: plain, challenge: strings.Repeat("a", 44), method: MethodPlain},
		{name: "challenge too short", verifier: "abc", challenge: "abc", method: MethodPlain},
		{name: "challenge too long", verifier: strings.Repeat("a", 129), challenge: strings.Repeat("a", 129), method: MethodPlain},
		{name: "verifier with invalid chars", verifier: strings.Repeat("a", 42) + "/", challenge: strings.Repeat("a", 42) + "/", method: MethodPlain},
		{name: "empty verifier", verifier: "", challenge: rfcChallenge, method: MethodS256},
		{name: "unknown method", verifier: rfcVerifier, challenge: rfcChallenge, method: "S512"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.verifier, tt.challenge, tt.method); got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in          string
		requireS256 bool
		want        Method
		wantErr     bool
	}{
		{in: "S256", want: MethodS256},
		{in: "S256", requireS256: true, want: MethodS256},
		{in: "plain", want: MethodPlain},
		{in: "", want: MethodPlain},
		{in: "plain", requireS256: true, wantErr: true},
		{in: "", requireS256: true, wantErr: true},
		{in: "s256", wantErr: true},
		{in: "none", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in, tt.requireS256)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnsupportedMethod, "ParseMethod(%q, %v)", tt.in, tt.requireS256)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateChallenge(t *testing.T) {
	assert.NoError(t, ValidateChallenge(rfcChallenge, MethodS256))
	assert.NoError(t, ValidateChallenge(strings.Repeat("x", 128), MethodPlain))

	assert.ErrorIs(t, ValidateChallenge(strings.Repeat("x", 44), MethodS256), ErrInvalidChallenge)
	assert.ErrorIs(t, ValidateChallenge("short", MethodS256), ErrInvalidChallenge)
	assert.ErrorIs(t, ValidateChallenge(strings.Repeat("x", 42)+"+", MethodPlain), ErrInvalidChallenge)
	assert.ErrorIs(t, ValidateChallenge(rfcChallenge, "S512"), ErrUnsupportedMethod)
}
