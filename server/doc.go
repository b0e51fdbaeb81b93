// Package server implements the OAuth 2.0 authorization server logic.
//
// It orchestrates the authorization code flow with PKCE, consent, token
// issuance, rotation and revocation on top of the security, token and
// storage packages. Nothing here speaks HTTP directly except the
// UserAuthenticator collaborator; the root package maps flows to endpoints.
//
// The Server type wires these components:
//   - ClientRegistry: client registration, authentication and lifecycle
//   - AuthorizationCodeStore: encrypted single-use authorization codes
//   - ConsentStore: per user and client scope grants
//   - AuthorizationFlow: /authorize and /consent
//   - TokenFlow: /token, /revoke and /introspect
//   - Guard: input validation, redirect URI and CSRF checks, rate limits
//     and abuse detection
//
// Example usage:
//
//	cfg := server.DefaultConfig("https://auth.example.com")
//	cfg.Tokens.SigningKey = signingKey
//
//	srv, err := server.New(cfg, server.Dependencies{
//	    KV:     memory.New(),
//	    Crypto: crypto,
//	    Scopes: server.NewStaticScopeRegistry(server.Scope{Name: "read:profile"}),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
