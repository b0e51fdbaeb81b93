package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired
	ErrNotFound = errors.New("key not found")

	// ErrUnavailable wraps backend connectivity failures
	ErrUnavailable = errors.New("storage unavailable")

	// ErrClientNotFound is returned when a client does not exist
	ErrClientNotFound = errors.New("client not found")

	// ErrClientExists is returned when creating a client whose ID is taken
	ErrClientExists = errors.New("client already exists")
)

// KV is a key-value store with per-key TTL and atomic conditional operations.
// A ttl of zero means the key does not expire. All methods must be safe for
// concurrent use.
type KV interface {
	// Get returns the value stored at key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key, replacing any previous value
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key does not exist. Reports whether it was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetDel atomically returns and removes the value at key, or ErrNotFound.
	// SECURITY: of any number of concurrent callers, at most one receives the value.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// CompareAndDelete removes key only if its current value equals expected.
	// Reports whether the key was removed.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// CompareAndSwap replaces the value at key only if its current value equals
	// expected. ttl applies to the new value. Reports whether it was replaced.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Incr atomically increments the integer at key and returns the new value.
	// When the key is created by this call, ttl is applied to it.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SAdd adds members to the set at key and, when ttl > 0, resets the set's TTL.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error

	// SMembers returns the members of the set at key (empty when missing)
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from the set at key
	SRem(ctx context.Context, key string, members ...string) error

	// WindowAdd records member at now in the time-ordered log at key. Entries
	// at or before now-window are dropped first, and member is only added while
	// fewer than limit entries remain. The log expires window after the last call.
	WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (WindowCount, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close releases resources held by the store
	Close() error
}

// WindowCount is the state of a time-ordered log after WindowAdd
type WindowCount struct {
	// Count is the number of entries inside the window, member included when added
	Count int

	// Added reports whether member was recorded
	Added bool

	// Oldest is the time of the oldest entry inside the window
	Oldest time.Time
}

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	// CreateClient stores a new client, or returns ErrClientExists
	CreateClient(ctx context.Context, client *Client) error

	// GetClient returns a client, or ErrClientNotFound
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// UpdateClient replaces an existing client, or returns ErrClientNotFound
	UpdateClient(ctx context.Context, client *Client) error

	// ListClients returns clients owned by ownerUserID, or all clients when empty
	ListClients(ctx context.Context, ownerUserID string) ([]*Client, error)
}
