package valkey

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/storagetest"
)

// testStore creates a store connected to a local Valkey instance.
// Tests are skipped when no server answers at VALKEY_TEST_ADDR (default localhost:6379).
// Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauth2test:%s:", strings.ReplaceAll(t.Name(), "/", ":"))

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		_ = store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all keys under the store's prefix
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestStoreConformance(t *testing.T) {
	storagetest.RunKVTests(t, func(t *testing.T) storage.KV {
		return testStore(t)
	})
}

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestKeysArePrefixed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"k").Build()).ToString()
	if err != nil {
		t.Fatalf("raw GET error = %v", err)
	}
	if raw != "v" {
		t.Errorf("raw value = %q, want v", raw)
	}
}
