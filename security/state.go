package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// DefaultStateTTL bounds how long a consent form stays submittable
const DefaultStateTTL = 10 * time.Minute

const stateKeyPrefix = "csrf_state:"

// ErrInvalidState is returned for unknown, expired, reused or mismatched state
var ErrInvalidState = errors.New("invalid state")

type stateRecord struct {
	ClientID  string          `json:"client_id"`
	UserID    string          `json:"user_id"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StateManager issues single-use CSRF state tokens bound to a
// (client_id, user_id) pair. A state may carry an opaque payload, which is
// how the pending authorization request survives the consent round trip.
type StateManager struct {
	kv      storage.KV
	ttl     time.Duration
	auditor *Auditor
}

// NewStateManager creates a StateManager. ttl <= 0 uses DefaultStateTTL.
func NewStateManager(kv storage.KV, ttl time.Duration, auditor *Auditor) *StateManager {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateManager{kv: kv, ttl: ttl, auditor: auditor}
}

// Generate returns a new state (43 chars, 256 bits of entropy).
func (m *StateManager) Generate(ctx context.Context, clientID, userID string) (string, error) {
	return m.GenerateWithPayload(ctx, clientID, userID, nil)
}

// GenerateWithPayload is Generate with payload stored alongside the binding.
func (m *StateManager) GenerateWithPayload(ctx context.Context, clientID, userID string, payload any) (string, error) {
	rec := stateRecord{
		ClientID:  clientID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal state payload: %w", err)
		}
		rec.Payload = raw
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	state := oauth2.GenerateVerifier()
	if err := m.kv.Set(ctx, stateKeyPrefix+state, data, m.ttl); err != nil {
		return "", fmt.Errorf("failed to store state: %w", err)
	}
	return state, nil
}

// Validate consumes state and checks its binding.
func (m *StateManager) Validate(ctx context.Context, state, clientID, userID string) error {
	return m.ValidateWithPayload(ctx, state, clientID, userID, nil)
}

// ValidateWithPayload consumes state, checks its binding and decodes the
// stored payload into out when out is non-nil.
//
// SECURITY: the record is deleted by the first validation attempt whatever
// its outcome, so a state can never be tried twice.
func (m *StateManager) ValidateWithPayload(ctx context.Context, state, clientID, userID string, out any) error {
	if state == "" {
		return ErrInvalidState
	}

	data, err := m.kv.GetDel(ctx, stateKeyPrefix+state)
	if errors.Is(err, storage.ErrNotFound) {
		m.report(ctx, clientID, userID, state, "unknown or already used")
		return ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	var rec stateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	clientOK := subtle.ConstantTimeCompare([]byte(rec.ClientID), []byte(clientID)) == 1
	userOK := subtle.ConstantTimeCompare([]byte(rec.UserID), []byte(userID)) == 1
	if !clientOK || !userOK {
		m.report(ctx, clientID, userID, state, "binding mismatch")
		return ErrInvalidState
	}

	if out != nil && len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, out); err != nil {
			return fmt.Errorf("failed to unmarshal state payload: %w", err)
		}
	}
	return nil
}

func (m *StateManager) report(ctx context.Context, clientID, userID, state, reason string) {
	m.auditor.LogEvent(ctx, Event{
		Type:     EventInvalidState,
		ClientID: clientID,
		UserID:   userID,
		Details: map[string]any{
			"state_prefix": util.SafeTruncate(state, 8),
			"reason":       reason,
		},
	})
}
