package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

func TestStatusForCode(t *testing.T) {
	tests := map[string]int{
		ErrorCodeInvalidRequest:          http.StatusBadRequest,
		ErrorCodeInvalidGrant:            http.StatusBadRequest,
		ErrorCodeInvalidScope:            http.StatusBadRequest,
		ErrorCodeUnsupportedGrantType:    http.StatusBadRequest,
		ErrorCodeUnsupportedResponseType: http.StatusBadRequest,
		ErrorCodeInvalidRedirectURI:      http.StatusBadRequest,
		ErrorCodeInvalidClient:           http.StatusUnauthorized,
		ErrorCodeInvalidToken:            http.StatusUnauthorized,
		ErrorCodeUnauthorizedClient:      http.StatusForbidden,
		ErrorCodeAccessDenied:            http.StatusForbidden,
		ErrorCodeRateLimitExceeded:       http.StatusTooManyRequests,
		ErrorCodeServerError:             http.StatusInternalServerError,
		ErrorCodeTemporarilyUnavailable:  http.StatusServiceUnavailable,
		"something_else":                 http.StatusBadRequest,
	}
	for code, want := range tests {
		t.Run(code, func(t *testing.T) {
			assert.Equal(t, want, StatusForCode(code))
		})
	}
}

func TestError(t *testing.T) {
	cause := errors.New("disk on fire")
	e := ErrInvalidGrant("bad code").WithCause(cause).WithState("s1")

	assert.Equal(t, ErrorCodeInvalidGrant, e.Code)
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Equal(t, "s1", e.State)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "invalid_grant: bad code")
	assert.False(t, e.SecurityEvent)

	e.AsSecurityEvent(security.SeverityHigh)
	assert.True(t, e.SecurityEvent)
	assert.Equal(t, security.SeverityHigh, e.Severity)

	assert.True(t, ErrServerError("x").SecurityEvent)
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	orig := ErrInvalidScope("nope")
	wrapped := fmt.Errorf("register: %w", orig)
	assert.Same(t, orig, AsError(wrapped))

	e := AsError(fmt.Errorf("get: %w", storage.ErrUnavailable))
	require.NotNil(t, e)
	assert.Equal(t, ErrorCodeTemporarilyUnavailable, e.Code)
	assert.Equal(t, http.StatusServiceUnavailable, e.Status)

	e = AsError(errors.New("boom"))
	assert.Equal(t, ErrorCodeServerError, e.Code)
	assert.NotContains(t, e.Description, "boom")
}
