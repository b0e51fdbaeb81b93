package security

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller's IP address.
//
// Forwarding headers are honored only when trustProxy is set. With
// X-Forwarded-For ("client, proxy1, proxy2") the entry trustedProxyCount
// positions from the right is taken as the client, so addresses prepended by
// the caller are ignored. trustedProxyCount <= 0 means a single proxy.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedFor(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}
	hops := strings.Split(header, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	// The last hop was appended by our own proxy; count back from there.
	idx := len(hops) - trustedProxyCount
	if idx < 0 {
		idx = 0
	}
	if idx >= len(hops) {
		idx = len(hops) - 1
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

type clientIPKey struct{}

// WithClientIP stores the resolved caller IP in the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext returns the caller IP stored by WithClientIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
