package util

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SafeTruncate truncates s to maxLen bytes without panicking.
// A negative maxLen returns the empty string.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// HashForLogging returns the first 16 hex characters of sha256(s).
// Empty input yields "<empty>" so log lines stay distinguishable.
func HashForLogging(s string) string {
	if s == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// SplitScopes parses a space-delimited scope string (RFC 6749 section 3.3).
// Duplicates are removed and the result is sorted.
func SplitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return NormalizeScopes(fields)
}

// JoinScopes renders scopes in their canonical space-delimited form.
func JoinScopes(scopes []string) string {
	return strings.Join(NormalizeScopes(scopes), " ")
}

// NormalizeScopes returns a sorted copy of scopes without duplicates or empty entries.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ScopesSubset reports whether every scope in requested is contained in granted.
func ScopesSubset(requested, granted []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	for _, r := range requested {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// ScopesUnion merges two scope sets into their normalized union.
func ScopesUnion(a, b []string) []string {
	merged := make([]string, 0, len(a)+len(b))
	merged = append(merged, a...)
	merged = append(merged, b...)
	return NormalizeScopes(merged)
}
