package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/storage"
)

// NewTestClient returns a confidential client fixture
func NewTestClient(id, owner string) *storage.Client {
	now := time.Now().UTC().Truncate(time.Second)
	return &storage.Client{
		ClientID:      id,
		ClientType:    "confidential",
		SecretHash:    "$2a$10$abcdefghijklmnopqrstuv",
		Name:          "Test " + id,
		RedirectURIs:  []string{"https://app.example.com/cb"},
		AllowedScopes: []string{"read:profile"},
		OwnerUserID:   owner,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RunClientStoreTests runs the conformance suite against client stores
// produced by newStore. Each call must return an empty store.
func RunClientStoreTests(t *testing.T, newStore func(t *testing.T) storage.ClientStore) {
	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := NewTestClient("oauth2_client_abc12345", "owner-1")

		require.NoError(t, s.CreateClient(ctx, c))
		got, err := s.GetClient(ctx, c.ClientID)
		require.NoError(t, err)

		assert.Equal(t, c.ClientID, got.ClientID)
		assert.Equal(t, c.ClientType, got.ClientType)
		assert.Equal(t, c.SecretHash, got.SecretHash)
		assert.Equal(t, c.RedirectURIs, got.RedirectURIs)
		assert.Equal(t, c.AllowedScopes, got.AllowedScopes)
		assert.Equal(t, c.OwnerUserID, got.OwnerUserID)
		assert.True(t, got.Active)
		assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetClient(context.Background(), "missing-client")
		assert.ErrorIs(t, err, storage.ErrClientNotFound)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateClient(ctx, NewTestClient("dup-client", "owner-1")))
		err := s.CreateClient(ctx, NewTestClient("dup-client", "owner-2"))
		assert.ErrorIs(t, err, storage.ErrClientExists)
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.CreateClient(ctx, NewTestClient("race-client", "owner")) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := NewTestClient("update-client", "owner-1")
		require.NoError(t, s.CreateClient(ctx, c))

		c.Name = "Renamed"
		c.Active = false
		c.RedirectURIs = []string{"https://app.example.com/cb", "https://app.example.com/cb2"}
		require.NoError(t, s.UpdateClient(ctx, c))

		got, err := s.GetClient(ctx, c.ClientID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.False(t, got.Active)
		assert.Len(t, got.RedirectURIs, 2)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateClient(context.Background(), NewTestClient("missing-client", "o"))
		assert.ErrorIs(t, err, storage.ErrClientNotFound)
	})

	t.Run("UpdateOwnerRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := NewTestClient("owned-client", "owner-1")
		require.NoError(t, s.CreateClient(ctx, c))

		c.OwnerUserID = "owner-2"
		assert.Error(t, s.UpdateClient(ctx, c))
	})

	t.Run("List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i, owner := range []string{"owner-1", "owner-2", "owner-1"} {
			require.NoError(t, s.CreateClient(ctx, NewTestClient(fmt.Sprintf("client-%02d", 3-i), owner)))
		}

		all, err := s.ListClients(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "client-01", all[0].ClientID)
		assert.Equal(t, "client-03", all[2].ClientID)

		mine, err := s.ListClients(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		for _, c := range mine {
			assert.Equal(t, "owner-1", c.OwnerUserID)
		}

		none, err := s.ListClients(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ErrorsAreSentinels", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetClient(context.Background(), "nope")
		assert.True(t, errors.Is(err, storage.ErrClientNotFound))
	})
}
