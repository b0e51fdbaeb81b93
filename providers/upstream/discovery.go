package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// maxDiscoverySize caps the discovery response body
const maxDiscoverySize = 1 << 20

// Endpoints are the upstream URLs the login flow talks to
type Endpoints struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
}

// Discover fetches the OpenID discovery document of issuer and returns its
// endpoints. Every URL in the document is checked like the issuer itself.
func Discover(ctx context.Context, client *http.Client, issuer string) (*Endpoints, error) {
	return discover(ctx, client, issuer, false)
}

func discover(ctx context.Context, client *http.Client, issuer string, allowLoopback bool) (*Endpoints, error) {
	if err := validateEndpointURL(issuer, allowLoopback); err != nil {
		return nil, fmt.Errorf("invalid issuer: %w", err)
	}
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery request failed with status %d", resp.StatusCode)
	}

	var doc Endpoints
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoverySize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	// SECURITY: a document for another issuer is a mix-up, not a typo
	if strings.TrimSuffix(doc.Issuer, "/") != strings.TrimSuffix(issuer, "/") {
		return nil, fmt.Errorf("discovery issuer mismatch: got %q", doc.Issuer)
	}
	if err := doc.validate(allowLoopback); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (e *Endpoints) validate(allowLoopback bool) error {
	for name, raw := range map[string]string{
		"authorization_endpoint": e.AuthorizationEndpoint,
		"token_endpoint":         e.TokenEndpoint,
		"userinfo_endpoint":      e.UserInfoEndpoint,
	} {
		if err := validateEndpointURL(raw, allowLoopback); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// validateEndpointURL enforces HTTPS and blocks private, loopback and
// link-local addresses so a configured or discovered URL cannot be used to
// reach internal services.
func validateEndpointURL(raw string, allowLoopback bool) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}

	ip := net.ParseIP(host)
	if allowLoopback && (host == "localhost" || (ip != nil && ip.IsLoopback())) {
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("URL must use HTTPS, got %s", u.Scheme)
	}
	if ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("URL must not point to loopback addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("URL must not point to private IP ranges")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("URL must not point to link-local addresses")
		}
	}
	return nil
}
