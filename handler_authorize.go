package oauth

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// authorizationParams may appear at most once (RFC 6749 section 3.1)
var authorizationParams = []string{
	"response_type", "client_id", "redirect_uri", "scope", "state",
	"code_challenge", "code_challenge_method",
}

// ServeAuthorization handles GET /authorize
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	for _, name := range authorizationParams {
		if len(query[name]) > 1 {
			h.writeError(w, server.ErrInvalidRequest(name+" must not be repeated"))
			return
		}
	}

	user, e := h.currentUser(r)
	if e != nil {
		h.writeError(w, e)
		return
	}

	out := h.server.Authorization.Authorize(r.Context(), server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}, user)
	h.finishAuthorization(w, r, out)
}

// ServeConsent handles POST /consent. The scopes field some forms send is
// ignored; the scopes shown on the consent page travel server side with
// the CSRF state.
func (h *Handler) ServeConsent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("failed to parse form"))
		return
	}

	user, e := h.currentUser(r)
	if e != nil {
		h.writeError(w, e)
		return
	}

	approved, _ := strconv.ParseBool(r.PostForm.Get("approved"))
	out := h.server.Authorization.Decide(r.Context(), server.ConsentDecision{
		ClientID:  r.PostForm.Get("client_id"),
		CSRFState: r.PostForm.Get("state"),
		Approved:  approved,
	}, user)
	h.finishAuthorization(w, r, out)
}

func (h *Handler) finishAuthorization(w http.ResponseWriter, r *http.Request, out *server.AuthorizationOutcome) {
	switch out.Kind {
	case server.OutcomeRedirect:
		security.SetSecurityHeaders(w)
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
	case server.OutcomeConsent:
		h.serveConsentPage(w, out.Consent)
	case server.OutcomeLogin:
		login, err := loginRedirect(h.server.Config.LoginURL, r.URL.RequestURI())
		if err != nil {
			h.logger.Error("Invalid login URL", "error", err)
			h.writeError(w, server.ErrServerError("login is not available"))
			return
		}
		security.SetSecurityHeaders(w)
		http.Redirect(w, r, login, http.StatusFound)
	default:
		h.writeError(w, out.Err)
	}
}

// loginRedirect appends returnTo to loginURL as the return_to parameter
func loginRedirect(loginURL, returnTo string) (string, error) {
	u, err := url.Parse(loginURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("return_to", returnTo)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
