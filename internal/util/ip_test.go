package util

import "testing"

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.10.20.30", true},
		{"::1", true},
		{"[::1]", true},
		{"0.0.0.0", false},
		{"example.com", false},
		{"localhost.example.com", false},
		{"10.0.0.1", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := IsLoopbackHostname(tt.host); got != tt.want {
				t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}
