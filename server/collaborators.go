package server

import (
	"errors"
	"net/http"
	"sort"
)

// ErrUnauthenticated is returned by a UserAuthenticator when the request
// carries no valid session
var ErrUnauthenticated = errors.New("user not authenticated")

// RoleAdmin may manage every client
const RoleAdmin = "admin"

// User is a verified end-user identity
type User struct {
	ID   string
	Role string
}

// IsAdmin reports whether the user has the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// UserAuthenticator resolves the signed-in user of a request.
// Implementations live in the providers package.
type UserAuthenticator interface {
	Authenticate(r *http.Request) (*User, error)
}

// Scope is a named permission with a human readable description
type Scope struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScopeRegistry knows which scopes exist
type ScopeRegistry interface {
	Valid(scope string) bool
	Describe(scope string) string
	All() []Scope
}

// StaticScopeRegistry is a ScopeRegistry over a fixed set of scopes
type StaticScopeRegistry struct {
	scopes map[string]string
}

var _ ScopeRegistry = (*StaticScopeRegistry)(nil)

// NewStaticScopeRegistry creates a registry from scopes
func NewStaticScopeRegistry(scopes ...Scope) *StaticScopeRegistry {
	m := make(map[string]string, len(scopes))
	for _, s := range scopes {
		m[s.Name] = s.Description
	}
	return &StaticScopeRegistry{scopes: m}
}

// Valid reports whether scope is registered
func (r *StaticScopeRegistry) Valid(scope string) bool {
	_, ok := r.scopes[scope]
	return ok
}

// Describe returns the description of scope, or the scope name itself
func (r *StaticScopeRegistry) Describe(scope string) string {
	if d, ok := r.scopes[scope]; ok && d != "" {
		return d
	}
	return scope
}

// All returns every registered scope ordered by name
func (r *StaticScopeRegistry) All() []Scope {
	out := make([]Scope, 0, len(r.scopes))
	for name, desc := range r.scopes {
		out = append(out, Scope{Name: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
