package oauth

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// consentPageTemplate asks the signed-in user to approve a client.
// Only the client name, redirect host and scope descriptions are shown;
// the form posts back nothing but the client ID, the CSRF state and the
// decision.
const consentPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f4f5f7; margin: 0; }
.card { max-width: 420px; margin: 10vh auto; background: #fff; border-radius: 8px; padding: 32px; box-shadow: 0 2px 12px rgba(0,0,0,.08); }
h1 { font-size: 20px; margin: 0 0 8px; }
p.muted { color: #666; font-size: 14px; }
ul { padding-left: 20px; }
li { margin: 6px 0; }
.actions { display: flex; gap: 12px; margin-top: 24px; }
button { flex: 1; padding: 10px; border-radius: 6px; border: 1px solid #ccc; font-size: 15px; cursor: pointer; }
button.approve { background: #2d6cdf; border-color: #2d6cdf; color: #fff; }
</style>
</head>
<body>
<div class="card">
<h1>{{.ClientName}} wants to access your account</h1>
<p class="muted">You will be sent back to {{.RedirectHost}}</p>
<ul>
{{range .Scopes}}<li><strong>{{.Name}}</strong>{{if .Description}}: {{.Description}}{{end}}</li>
{{end}}</ul>
<form method="post" action="{{.Action}}">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="state" value="{{.CSRFState}}">
<div class="actions">
<button type="submit" name="approved" value="false">Deny</button>
<button type="submit" name="approved" value="true" class="approve">Allow</button>
</div>
</form>
</div>
</body>
</html>
`

var consentPageTmpl = template.Must(template.New("consent").Parse(consentPageTemplate))

type consentPageData struct {
	ClientID     string
	ClientName   string
	RedirectHost string
	Scopes       []server.Scope
	CSRFState    string
	Action       string
}

// serveConsentPage renders prompt. The page is rendered to a buffer first
// so a template failure never leaves a partial response.
func (h *Handler) serveConsentPage(w http.ResponseWriter, prompt *server.ConsentPrompt) {
	name := prompt.ClientName
	if name == "" {
		name = prompt.ClientID
	}
	data := consentPageData{
		ClientID:     prompt.ClientID,
		ClientName:   name,
		RedirectHost: redirectHost(prompt.RedirectURI),
		Scopes:       prompt.Scopes,
		CSRFState:    prompt.CSRFState,
		Action:       h.basePath + "/consent",
	}

	var buf bytes.Buffer
	if err := consentPageTmpl.Execute(&buf, data); err != nil {
		h.logger.Error("Failed to render consent page", "client_id", prompt.ClientID, "error", err)
		h.writeError(w, server.ErrServerError("failed to render consent page"))
		return
	}

	security.SetConsentPageHeaders(w, redirectOrigin(prompt.RedirectURI))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func redirectHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

// redirectOrigin returns scheme://host of uri, or "" when it has none
func redirectOrigin(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
