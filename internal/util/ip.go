package util

import "net"

// IsLoopbackHostname reports whether hostname is "localhost" or a loopback IP
// (the whole 127.0.0.0/8 range and ::1). It expects the form returned by
// url.URL.Hostname(); bracketed IPv6 literals are accepted as well.
//
// 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
