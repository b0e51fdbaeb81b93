// Package providers implements the user authenticators the authorization
// server asks "who is signed in?".
//
// The server never authenticates end users itself. It calls an
// Authenticator on every /authorize, /consent and management request and
// only acts on the identity it returns.
//
// Implementations are provided in subpackages:
//   - providers/session: signed session cookie (JWT, HS256)
//   - providers/header: identity headers set by a trusted reverse proxy
//   - providers/upstream: login through an upstream OAuth2/OIDC provider,
//     ending in a session cookie
//   - providers/mock: static authenticator for tests
//
// Several authenticators can be combined with Chain:
//
//	sessions, err := session.New(session.Config{Key: key})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	proxy, err := header.New(header.Config{TrustedProxies: []string{"10.0.0.0/8"}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handler := oauth.NewHandler(srv, providers.Chain(sessions, proxy), logger)
package providers
