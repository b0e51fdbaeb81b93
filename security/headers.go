package security

import "net/http"

const (
	apiCSP     = "default-src 'none'; frame-ancestors 'none'"
)

// SetSecurityHeaders sets the header set carried by every authorization
// server response. HSTS is sent unconditionally since TLS usually
// terminates at a proxy in front of us.
func SetSecurityHeaders(w http.ResponseWriter) {
	setCommonHeaders(w)
	w.Header().Set("Content-Security-Policy", apiCSP)
}

// SetConsentPageHeaders is SetSecurityHeaders for the HTML consent page,
// which needs inline styles and a form posting back to this origin.
// Browsers apply form-action to the redirect that follows the post, so
// redirectOrigin (scheme://host of the client's redirect URI) is allowed too.
func SetConsentPageHeaders(w http.ResponseWriter, redirectOrigin string) {
	setCommonHeaders(w)
	formAction := "'self'"
	if redirectOrigin != "" {
		formAction += " " + redirectOrigin
	}
	w.Header().Set("Content-Security-Policy",
		"default-src 'none'; style-src 'unsafe-inline'; form-action "+formAction+"; frame-ancestors 'none'")
}

func setCommonHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
	h.Set("Referrer-Policy", "no-referrer")
}
