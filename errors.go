package oauth

import "github.com/giantswarm/oauth2-server/server"

// OAuth error codes
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable
)

// OAuthError is an OAuth 2.0 protocol error
type OAuthError = server.Error

// Error constructors
var (
	ErrInvalidRequest     = server.ErrInvalidRequest
	ErrInvalidClient      = server.ErrInvalidClient
	ErrInvalidGrant       = server.ErrInvalidGrant
	ErrInvalidScope       = server.ErrInvalidScope
	ErrAccessDenied       = server.ErrAccessDenied
	ErrRateLimitExceeded  = server.ErrRateLimitExceeded
	ErrServerError        = server.ErrServerError
	ErrUnauthorizedClient = server.ErrUnauthorizedClient
)
