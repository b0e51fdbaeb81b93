package security

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xForwardedFor     string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "192.0.2.10:51234",
			want:       "192.0.2.10",
		},
		{
			name:          "forwarded header ignored without trust",
			remoteAddr:    "10.0.0.1:443",
			xForwardedFor: "203.0.113.1",
			want:          "10.0.0.1",
		},
		{
			name:          "single trusted proxy takes last hop",
			remoteAddr:    "10.0.0.1:443",
			xForwardedFor: "6.6.6.6, 203.0.113.1",
			trustProxy:    true,
			want:          "203.0.113.1",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:443",
			xForwardedFor:     "6.6.6.6, 203.0.113.1, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.1",
		},
		{
			name:              "fewer hops than proxies",
			remoteAddr:        "10.0.0.1:443",
			xForwardedFor:     "203.0.113.1",
			trustProxy:        true,
			trustedProxyCount: 3,
			want:              "203.0.113.1",
		},
		{
			name:          "garbage falls back to X-Real-IP",
			remoteAddr:    "10.0.0.1:443",
			xForwardedFor: "not-an-ip",
			xRealIP:       "198.51.100.4",
			trustProxy:    true,
			want:          "198.51.100.4",
		},
		{
			name:       "garbage everywhere falls back to remote addr",
			remoteAddr: "10.0.0.1:443",
			xRealIP:    "nope",
			trustProxy: true,
			want:       "10.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "10.0.0.1",
			want:       "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPContext(t *testing.T) {
	ctx := WithClientIP(context.Background(), "192.0.2.1")
	if got := ClientIPFromContext(ctx); got != "192.0.2.1" {
		t.Errorf("ClientIPFromContext() = %q", got)
	}
	if got := ClientIPFromContext(context.Background()); got != "" {
		t.Errorf("ClientIPFromContext(empty) = %q", got)
	}
}
