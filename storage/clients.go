package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const (
	clientKeyPrefix   = "client:"
	clientIndexAll    = "clients:all"
	clientIndexPrefix = "clients:owner:"
)

// KVClientStore implements ClientStore on top of a KV store.
// Clients never expire; owner indexes are kept as sets.
type KVClientStore struct {
	kv KV
}

var _ ClientStore = (*KVClientStore)(nil)

// NewKVClientStore creates a ClientStore backed by kv
func NewKVClientStore(kv KV) *KVClientStore {
	return &KVClientStore{kv: kv}
}

func clientKey(clientID string) string {
	return clientKeyPrefix + clientID
}

func ownerIndexKey(owner string) string {
	return clientIndexPrefix + owner
}

// CreateClient stores a new client. SetNX guarantees client IDs stay unique
// across concurrent registrations.
func (s *KVClientStore) CreateClient(ctx context.Context, client *Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	stored, err := s.kv.SetNX(ctx, clientKey(client.ClientID), data, 0)
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if !stored {
		return ErrClientExists
	}

	if err := s.kv.SAdd(ctx, clientIndexAll, 0, client.ClientID); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}
	if client.OwnerUserID != "" {
		if err := s.kv.SAdd(ctx, ownerIndexKey(client.OwnerUserID), 0, client.ClientID); err != nil {
			return fmt.Errorf("failed to index client owner: %w", err)
		}
	}
	return nil
}

// GetClient returns the client with the given ID
func (s *KVClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	data, err := s.kv.Get(ctx, clientKey(clientID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var c Client
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &c, nil
}

// UpdateClient replaces a stored client. The owner cannot change.
func (s *KVClientStore) UpdateClient(ctx context.Context, client *Client) error {
	existing, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		return err
	}
	if existing.OwnerUserID != client.OwnerUserID {
		return fmt.Errorf("client owner cannot be changed")
	}

	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.kv.Set(ctx, clientKey(client.ClientID), data, 0); err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

// ListClients returns the clients of an owner, or every client when owner is empty.
// Results are ordered by client ID.
func (s *KVClientStore) ListClients(ctx context.Context, ownerUserID string) ([]*Client, error) {
	index := clientIndexAll
	if ownerUserID != "" {
		index = ownerIndexKey(ownerUserID)
	}

	ids, err := s.kv.SMembers(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	sort.Strings(ids)

	clients := make([]*Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if errors.Is(err, ErrClientNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}
