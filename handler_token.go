package oauth

import (
	"net/http"
	"net/url"

	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/server"
)

var tokenParams = []string{
	"grant_type", "code", "redirect_uri", "code_verifier", "refresh_token",
	"scope", "client_id", "client_secret",
}

// ServeToken handles POST /token
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	form, e := h.parsePostForm(w, r, tokenParams)
	if e != nil {
		h.writeError(w, e)
		return
	}
	clientID, secret, e := clientCredentials(r, form)
	if e != nil {
		h.writeError(w, e)
		return
	}

	resp, e := h.server.TokenFlow.Exchange(r.Context(), server.TokenRequest{
		GrantType:    form.Get("grant_type"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		ClientID:     clientID,
		ClientSecret: secret,
	})
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles POST /revoke. The response never tells the caller
// whether anything was revoked.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	form, e := h.parsePostForm(w, r, nil)
	if e != nil {
		h.writeJSON(w, http.StatusOK, RevocationResponse{Revoked: true})
		return
	}
	// conflicting credentials simply fail authentication
	clientID, secret, _ := clientCredentials(r, form)

	if e := h.server.TokenFlow.Revoke(r.Context(), server.RevocationRequest{
		Token:         form.Get("token"),
		TokenTypeHint: form.Get("token_type_hint"),
		ClientID:      clientID,
		ClientSecret:  secret,
	}); e != nil {
		h.writeError(w, e)
		return
	}
	h.writeJSON(w, http.StatusOK, RevocationResponse{Revoked: true})
}

// ServeIntrospection handles POST /introspect
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	form, e := h.parsePostForm(w, r, []string{"token", "client_id", "client_secret"})
	if e != nil {
		h.writeError(w, e)
		return
	}
	clientID, secret, e := clientCredentials(r, form)
	if e != nil {
		h.writeError(w, e)
		return
	}

	out, e := h.server.TokenFlow.Introspect(r.Context(), form.Get("token"), clientID, secret)
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ServeAuthorizationServerMetadata serves RFC 8414 metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	scopes := h.server.Scopes.All()
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, s.Name)
	}

	methods := []string{string(pkce.MethodS256)}
	if !h.server.Config.RequireS256 {
		methods = append(methods, string(pkce.MethodPlain))
	}
	authMethods := []string{"client_secret_basic", "client_secret_post", "none"}

	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                                 h.server.Config.Issuer,
		AuthorizationEndpoint:                  h.endpoint("/authorize"),
		TokenEndpoint:                          h.endpoint("/token"),
		RevocationEndpoint:                     h.endpoint("/revoke"),
		IntrospectionEndpoint:                  h.endpoint("/introspect"),
		ScopesSupported:                        names,
		ResponseTypesSupported:                 []string{"code"},
		GrantTypesSupported:                    []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported:      authMethods,
		RevocationEndpointAuthMethodsSupported: authMethods,
		CodeChallengeMethodsSupported:          methods,
	})
}

// parsePostForm reads an application/x-www-form-urlencoded body. Query
// parameters are ignored and the names in single may appear only once.
func (h *Handler) parsePostForm(w http.ResponseWriter, r *http.Request, single []string) (url.Values, *server.Error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return nil, server.ErrInvalidRequest("failed to parse form body")
	}
	for _, name := range single {
		if len(r.PostForm[name]) > 1 {
			return nil, server.ErrInvalidRequest(name + " must not be repeated")
		}
	}
	return r.PostForm, nil
}

// clientCredentials extracts the client ID and secret. HTTP Basic takes
// precedence; sending a secret both ways is rejected (RFC 6749 section 2.3).
func clientCredentials(r *http.Request, form url.Values) (string, string, *server.Error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return form.Get("client_id"), form.Get("client_secret"), nil
	}

	// Basic credentials are form-urlencoded first (RFC 6749 section 2.3.1)
	clientID, err := url.QueryUnescape(user)
	if err != nil {
		return "", "", server.ErrInvalidClient("malformed client credentials")
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return "", "", server.ErrInvalidClient("malformed client credentials")
	}

	if form.Get("client_secret") != "" {
		return "", "", server.ErrInvalidRequest("multiple client authentication methods")
	}
	if id := form.Get("client_id"); id != "" && id != clientID {
		return "", "", server.ErrInvalidRequest("client_id does not match the authenticated client")
	}
	return clientID, secret, nil
}
