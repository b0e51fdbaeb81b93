package util

import (
	"reflect"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"longer than max", "very-long-token-abc123", 8, "very-lon"},
		{"shorter than max", "short", 10, "short"},
		{"exact length", "exact", 5, "exact"},
		{"negative max", "test", -1, ""},
		{"empty input", "", 4, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q, want <empty>", got)
	}

	a := HashForLogging("user-1")
	if len(a) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(a))
	}
	if a != HashForLogging("user-1") {
		t.Error("hash must be deterministic")
	}
	if a == HashForLogging("user-2") {
		t.Error("different inputs should hash differently")
	}
}

func TestScopeHelpers(t *testing.T) {
	if got := SplitScopes("write:data read:profile  read:profile"); !reflect.DeepEqual(got, []string{"read:profile", "write:data"}) {
		t.Errorf("SplitScopes = %v", got)
	}
	if got := SplitScopes("   "); got != nil {
		t.Errorf("SplitScopes(blank) = %v, want nil", got)
	}
	if got := JoinScopes([]string{"b", "a", "b"}); got != "a b" {
		t.Errorf("JoinScopes = %q", got)
	}

	if !ScopesSubset([]string{"read:profile"}, []string{"read:profile", "write:data"}) {
		t.Error("subset should be covered")
	}
	if ScopesSubset([]string{"read:profile", "write:data"}, []string{"read:profile"}) {
		t.Error("superset must not be covered by a subset grant")
	}
	if !ScopesSubset(nil, nil) {
		t.Error("empty request is trivially covered")
	}

	if got := ScopesUnion([]string{"a", "c"}, []string{"b", "a"}); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("ScopesUnion = %v", got)
	}
}
