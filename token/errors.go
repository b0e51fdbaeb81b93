package token

import "errors"

var (
	// ErrInvalidGrant covers every refresh token failure: unknown, expired,
	// revoked, reused, bound to another client or lost a rotation race.
	// Callers cannot tell these apart.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrInvalidToken is returned when an access token fails validation
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidScope is returned when a refresh requests scopes beyond the original grant
	ErrInvalidScope = errors.New("requested scope exceeds original grant")
)
