package oauth

import (
	"time"

	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// TokenResponse is the token endpoint response (RFC 6749 section 5.1)
type TokenResponse = server.TokenResponse

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// RevocationResponse is returned by the revocation endpoint whatever happened
type RevocationResponse struct {
	Revoked bool `json:"revoked"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint"`

	// IntrospectionEndpoint is the URL of the minimal introspection endpoint
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// RevocationEndpointAuthMethodsSupported lists the client authentication methods supported at the revocation endpoint
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// ClientRequest creates or updates a client through the management API.
// On update only the fields present are changed.
type ClientRequest struct {
	ClientID      string   `json:"client_id,omitempty"`
	ClientName    *string  `json:"client_name,omitempty"`
	ClientType    string   `json:"client_type,omitempty"`
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	AllowedScopes []string `json:"allowed_scopes,omitempty"`
}

// ClientResponse describes a client. ClientSecret is only set right after
// registration or secret regeneration; it cannot be retrieved later.
type ClientResponse struct {
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	ClientName    string    `json:"client_name"`
	ClientType    string    `json:"client_type"`
	RedirectURIs  []string  `json:"redirect_uris"`
	AllowedScopes []string  `json:"allowed_scopes"`
	OwnerUserID   string    `json:"owner_user_id"`
	Active        bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newClientResponse(c *storage.Client, secret string) ClientResponse {
	return ClientResponse{
		ClientID:      c.ClientID,
		ClientSecret:  secret,
		ClientName:    c.Name,
		ClientType:    c.ClientType,
		RedirectURIs:  c.RedirectURIs,
		AllowedScopes: c.AllowedScopes,
		OwnerUserID:   c.OwnerUserID,
		Active:        c.Active,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// ConsentResponse describes a consent the signed-in user has given
type ConsentResponse struct {
	ClientID      string    `json:"client_id"`
	GrantedScopes []string  `json:"granted_scopes"`
	GrantedAt     time.Time `json:"granted_at"`
}
