package security

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/oauth2-server/internal/util"
)

var (
	// ErrRedirectURIMismatch is returned when the requested URI is not registered
	ErrRedirectURIMismatch = errors.New("redirect_uri does not match a registered URI")

	// ErrRedirectURIInvalid is returned for URIs that can never be registered
	ErrRedirectURIInvalid = errors.New("redirect_uri is not allowed")
)

var blockedSchemes = []string{"javascript", "data", "vbscript", "file", "ftp"}

// DefaultShortenerHosts are URL-shortener hosts refused as redirect targets.
var DefaultShortenerHosts = []string{
	"bit.ly",
	"tinyurl.com",
	"t.co",
	"goo.gl",
	"ow.ly",
	"is.gd",
	"buff.ly",
	"rebrand.ly",
	"cutt.ly",
	"shorturl.at",
}

// RedirectValidator enforces redirect URI policy.
type RedirectValidator struct {
	auditor        *Auditor
	shortenerHosts []string
}

// NewRedirectValidator creates a RedirectValidator using DefaultShortenerHosts.
func NewRedirectValidator(auditor *Auditor) *RedirectValidator {
	return &RedirectValidator{
		auditor:        auditor,
		shortenerHosts: DefaultShortenerHosts,
	}
}

// Validate checks a redirect URI from an authorization or token request.
// The URI must be well-formed and equal byte-for-byte to one of registered.
func (v *RedirectValidator) Validate(ctx context.Context, requested string, registered []string) error {
	if err := v.ValidateRegistration(requested); err != nil {
		v.report(ctx, requested, err.Error())
		return err
	}
	if !slices.Contains(registered, requested) {
		v.report(ctx, requested, "not registered")
		return ErrRedirectURIMismatch
	}
	return nil
}

// ValidateRegistration checks the shape of a URI being registered for a
// client: absolute, no fragment, https unless the host is loopback, no
// blocked scheme and no shortener host.
func (v *RedirectValidator) ValidateRegistration(uri string) error {
	if uri == "" || len(uri) > 2048 {
		return ErrRedirectURIInvalid
	}

	u, err := url.Parse(uri)
	if err != nil {
		return ErrRedirectURIInvalid
	}

	scheme := strings.ToLower(u.Scheme)
	if slices.Contains(blockedSchemes, scheme) {
		return ErrRedirectURIInvalid
	}
	if u.Host == "" || u.Fragment != "" || u.User != nil {
		return ErrRedirectURIInvalid
	}

	host := strings.ToLower(u.Hostname())
	switch scheme {
	case "https":
	case "http":
		if !util.IsLoopbackHostname(host) {
			return ErrRedirectURIInvalid
		}
	default:
		return ErrRedirectURIInvalid
	}

	if v.isShortener(host) {
		return ErrRedirectURIInvalid
	}
	return nil
}

func (v *RedirectValidator) isShortener(host string) bool {
	for _, s := range v.shortenerHosts {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

func (v *RedirectValidator) report(ctx context.Context, uri, reason string) {
	v.auditor.LogEvent(ctx, Event{
		Type: EventSuspiciousRedirectURI,
		Details: map[string]any{
			"redirect_uri": util.SafeTruncate(uri, 128),
			"reason":       reason,
		},
	})
}
