// Package mock provides a configurable Authenticator for tests.
package mock

import (
	"net/http"
	"sync"

	"github.com/giantswarm/oauth2-server/server"
)

// Authenticator is a mock implementation of providers.Authenticator
type Authenticator struct {
	// AuthenticateFunc is called when Authenticate() is invoked
	AuthenticateFunc func(r *http.Request) (*server.User, error)

	calls int
	mu    sync.Mutex
}

// NewAuthenticator returns an Authenticator that always reports user.
// A nil user makes every request unauthenticated.
func NewAuthenticator(user *server.User) *Authenticator {
	return &Authenticator{
		AuthenticateFunc: func(*http.Request) (*server.User, error) {
			if user == nil {
				return nil, server.ErrUnauthenticated
			}
			u := *user
			return &u, nil
		},
	}
}

// NewHeaderAuthenticator returns an Authenticator that takes the user ID
// from header, and the admin role when the ID is listed in admins.
// It trusts the caller completely and must only be used in tests.
func NewHeaderAuthenticator(header string, admins ...string) *Authenticator {
	return &Authenticator{
		AuthenticateFunc: func(r *http.Request) (*server.User, error) {
			id := r.Header.Get(header)
			if id == "" {
				return nil, server.ErrUnauthenticated
			}
			user := &server.User{ID: id}
			for _, a := range admins {
				if a == id {
					user.Role = server.RoleAdmin
				}
			}
			return user, nil
		},
	}
}

// Authenticate implements providers.Authenticator
func (a *Authenticator) Authenticate(r *http.Request) (*server.User, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.AuthenticateFunc(r)
}

// Calls returns how many times Authenticate was invoked
func (a *Authenticator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
