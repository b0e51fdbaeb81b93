package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// OAuth error codes
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// StatusForCode returns the HTTP status an error code is reported with
func StatusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeUnauthorizedClient, ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	case ErrorCodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Error is an OAuth protocol error. Description is safe to show to clients;
// the wrapped cause is for logs only and never crosses the HTTP boundary.
type Error struct {
	Code        string
	Description string
	Status      int

	// Severity is set for errors that were also reported as security events
	Severity      security.Severity
	SecurityEvent bool

	// State is echoed back when the error is delivered through a redirect
	State string

	// RetryAfter is set for rate limit errors
	RetryAfter int

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates an error with the status derived from code
func NewError(code, description string) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      StatusForCode(code),
	}
}

// WithCause attaches an internal cause
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithState sets the state echoed on redirect delivery
func (e *Error) WithState(state string) *Error {
	e.State = state
	return e
}

// AsSecurityEvent flags the error as a security violation of the given severity
func (e *Error) AsSecurityEvent(severity security.Severity) *Error {
	e.SecurityEvent = true
	e.Severity = severity
	return e
}

// Constructors per error code
var (
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc)
	}

	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc)
	}

	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc)
	}

	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc)
	}

	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc)
	}

	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc)
	}

	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc)
	}

	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc)
	}

	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc)
	}

	ErrInvalidRedirectURI = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRedirectURI, desc)
	}

	ErrRateLimitExceeded = func(desc string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, desc)
	}

	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc).AsSecurityEvent(security.SeverityCritical)
	}

	ErrTemporarilyUnavailable = func(desc string) *Error {
		return NewError(ErrorCodeTemporarilyUnavailable, desc)
	}
)

// AsError converts any error into an *Error. Protocol errors pass through;
// an unreachable store becomes temporarily_unavailable and anything else
// becomes a generic server_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	if errors.Is(err, storage.ErrUnavailable) {
		return ErrTemporarilyUnavailable("the service is temporarily unavailable").WithCause(err)
	}
	return ErrServerError("an internal error occurred").WithCause(err)
}
