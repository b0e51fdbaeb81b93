package providers

import (
	"errors"
	"net/http"

	"github.com/giantswarm/oauth2-server/server"
)

// Authenticator resolves the signed-in user of a request.
// It returns server.ErrUnauthenticated when the request carries no session.
type Authenticator = server.UserAuthenticator

// UserInfo is the identity reported by an upstream identity provider
type UserInfo struct {
	// ID is the unique user identifier from the provider (sub claim)
	ID string `json:"sub"`

	// Email is the user's email address
	Email string `json:"email"`

	// EmailVerified indicates if the email is verified
	EmailVerified bool `json:"email_verified"`

	// Name is the user's full name
	Name string `json:"name"`

	// Groups are the provider groups the user belongs to, when released
	Groups []string `json:"groups,omitempty"`
}

// Chain tries each authenticator in order and returns the first user found.
// Errors other than server.ErrUnauthenticated stop the chain.
func Chain(auths ...Authenticator) Authenticator {
	return chain(auths)
}

type chain []Authenticator

func (c chain) Authenticate(r *http.Request) (*server.User, error) {
	for _, a := range c {
		user, err := a.Authenticate(r)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, server.ErrUnauthenticated) {
			return nil, err
		}
	}
	return nil, server.ErrUnauthenticated
}

// Func adapts a function to an Authenticator
type Func func(r *http.Request) (*server.User, error)

// Authenticate calls f(r)
func (f Func) Authenticate(r *http.Request) (*server.User, error) {
	return f(r)
}
