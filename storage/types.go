package storage

import (
	"slices"
	"time"
)

// Client is a registered OAuth client.
// SecretHash is empty for public clients.
type Client struct {
	ClientID      string    `json:"client_id"`
	ClientType    string    `json:"client_type"`
	SecretHash    string    `json:"secret_hash,omitempty"`
	Name          string    `json:"name"`
	RedirectURIs  []string  `json:"redirect_uris"`
	AllowedScopes []string  `json:"allowed_scopes"`
	OwnerUserID   string    `json:"owner_user_id"`
	Active        bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate stored state
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	return &cp
}

// AuthorizationCode is a single-use code bound to a client, user, redirect URI
// and PKCE challenge.
type AuthorizationCode struct {
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Consent records the scopes a user granted to a client.
// RevokedAt is nil while the consent is in force.
type Consent struct {
	UserID        string     `json:"user_id"`
	ClientID      string     `json:"client_id"`
	GrantedScopes []string   `json:"granted_scopes"`
	GrantedAt     time.Time  `json:"granted_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the consent has been withdrawn
func (c *Consent) Revoked() bool {
	return c.RevokedAt != nil
}

// RefreshToken is the persisted side of an opaque refresh token.
// The token value itself is never stored; records are keyed by its hash.
type RefreshToken struct {
	TokenHash string    `json:"token_hash"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"is_active"`
}
