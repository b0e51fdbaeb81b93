package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/storagetest"
)

func newKVClientStore(t *testing.T) storage.ClientStore {
	kv := memory.New()
	t.Cleanup(kv.Stop)
	return storage.NewKVClientStore(kv)
}

func TestKVClientStore(t *testing.T) {
	storagetest.RunClientStoreTests(t, newKVClientStore)
}

func TestKVClientStore_ReturnsCopies(t *testing.T) {
	s := newKVClientStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateClient(ctx, storagetest.NewTestClient("copy-client", "owner")))

	got, err := s.GetClient(ctx, "copy-client")
	require.NoError(t, err)
	got.RedirectURIs[0] = "https://evil.example.com/cb"

	again, err := s.GetClient(ctx, "copy-client")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/cb", again.RedirectURIs[0])
}

func TestClientClone(t *testing.T) {
	c := storagetest.NewTestClient("clone-client", "owner")
	cp := c.Clone()
	cp.AllowedScopes[0] = "admin"
	assert.Equal(t, "read:profile", c.AllowedScopes[0])

	var nilClient *storage.Client
	assert.Nil(t, nilClient.Clone())
}
