// Package header authenticates users from identity headers set by a
// trusted reverse proxy (oauth2-proxy, an ingress auth hook and similar).
//
// SECURITY: headers are only honored when the direct peer is inside one of
// the configured proxy networks. Any other caller could set them freely.
package header

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/oauth2-server/server"
)

const (
	DefaultUserHeader   = "X-Auth-Request-User"
	DefaultGroupsHeader = "X-Auth-Request-Groups"

	maxUserIDLength = 256
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:+\-]+$`)

// Config configures header authentication
type Config struct {
	// TrustedProxies are CIDRs of the proxies allowed to set identity headers (required)
	TrustedProxies []string

	// UserHeader carries the user ID. Default: X-Auth-Request-User
	UserHeader string

	// GroupsHeader carries a comma separated group list. Default: X-Auth-Request-Groups
	GroupsHeader string

	// AdminGroups grant the admin role to members
	AdminGroups []string
}

// Authenticator reads the user from proxy headers
type Authenticator struct {
	config  Config
	proxies []*net.IPNet
}

// New creates a header Authenticator
func New(cfg Config) (*Authenticator, error) {
	if len(cfg.TrustedProxies) == 0 {
		return nil, errors.New("at least one trusted proxy network is required")
	}
	proxies := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		proxies = append(proxies, n)
	}
	if cfg.UserHeader == "" {
		cfg.UserHeader = DefaultUserHeader
	}
	if cfg.GroupsHeader == "" {
		cfg.GroupsHeader = DefaultGroupsHeader
	}
	return &Authenticator{config: cfg, proxies: proxies}, nil
}

// Authenticate implements server.UserAuthenticator
func (a *Authenticator) Authenticate(r *http.Request) (*server.User, error) {
	if !a.fromTrustedProxy(r.RemoteAddr) {
		return nil, server.ErrUnauthenticated
	}
	id := r.Header.Get(a.config.UserHeader)
	if id == "" {
		return nil, server.ErrUnauthenticated
	}
	if len(id) > maxUserIDLength || !userIDPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: malformed user header", server.ErrUnauthenticated)
	}

	user := &server.User{ID: id}
	for _, g := range splitGroups(r.Header.Get(a.config.GroupsHeader)) {
		if slices.Contains(a.config.AdminGroups, g) {
			user.Role = server.RoleAdmin
			break
		}
	}
	return user, nil
}

func (a *Authenticator) fromTrustedProxy(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a.proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func splitGroups(v string) []string {
	var out []string
	for _, g := range strings.Split(v, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}
