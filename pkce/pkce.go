// Package pkce implements Proof Key for Code Exchange (RFC 7636) checks.
//
// Everything here is pure: the authorization server stores the challenge
// with the authorization code and calls Validate at token exchange.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"regexp"
)

// Method is a code_challenge_method.
type Method string

const (
	MethodPlain Method = "plain"
	MethodS256  Method = "S256"
)

// RFC 7636 section 4.1 bounds for verifiers and challenges
const (
	MinLength = 43
	MaxLength = 128
)

var (
	// ErrUnsupportedMethod is returned for unknown or disallowed methods
	ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")

	// ErrInvalidChallenge is returned for a malformed code_challenge
	ErrInvalidChallenge = errors.New("invalid code_challenge")
)

var (
	unreservedPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)
	// base64url(sha256(x)) without padding is always 43 characters
	s256Pattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
)

// ParseMethod parses a code_challenge_method. An empty value means plain,
// per RFC 7636 section 4.3, unless requireS256 is set.
func ParseMethod(s string, requireS256 bool) (Method, error) {
	switch Method(s) {
	case MethodS256:
		return MethodS256, nil
	case MethodPlain, "":
		if requireS256 {
			return "", ErrUnsupportedMethod
		}
		return MethodPlain, nil
	default:
		return "", ErrUnsupportedMethod
	}
}

// ValidateChallenge checks the shape of a code_challenge at /authorize.
func ValidateChallenge(challenge string, method Method) error {
	if len(challenge) < MinLength || len(challenge) > MaxLength {
		return ErrInvalidChallenge
	}
	switch method {
	case MethodS256:
		if !s256Pattern.MatchString(challenge) {
			return ErrInvalidChallenge
		}
	case MethodPlain:
		if !unreservedPattern.MatchString(challenge) {
			return ErrInvalidChallenge
		}
	default:
		return ErrUnsupportedMethod
	}
	return nil
}

// Validate reports whether verifier satisfies challenge under method.
// Comparison is constant-time over the computed value.
func Validate(verifier, challenge string, method Method) bool {
	if len(challenge) < MinLength || len(challenge) > MaxLength {
		return false
	}
	if len(verifier) < MinLength || len(verifier) > MaxLength || !unreservedPattern.MatchString(verifier) {
		return false
	}

	var computed string
	switch method {
	case MethodS256:
		computed = ChallengeS256(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ChallengeS256 derives the S256 challenge for verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
