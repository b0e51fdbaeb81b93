package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

const (
	consentPrefix    = "consent:"
	consentIdxPrefix = "consent_idx:user:"

	maxConsentRetries = 10
)

// ConsentStore records which scopes users granted to which clients.
type ConsentStore struct {
	kv      storage.KV
	tokens  *token.Service
	auditor *security.Auditor
	logger  *slog.Logger
	now     func() time.Time
}

// NewConsentStore creates a ConsentStore. tokens may be nil, in which case
// revoking consent leaves refresh tokens alone.
func NewConsentStore(kv storage.KV, tokens *token.Service, auditor *security.Auditor, logger *slog.Logger) *ConsentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsentStore{
		kv:      kv,
		tokens:  tokens,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
}

func consentKey(userID, clientID string) string {
	return consentPrefix + userID + ":" + clientID
}

// Get returns the consent of userID for clientID, revoked or not,
// or storage.ErrNotFound
func (s *ConsentStore) Get(ctx context.Context, userID, clientID string) (*storage.Consent, error) {
	raw, err := s.kv.Get(ctx, consentKey(userID, clientID))
	if err != nil {
		return nil, err
	}
	var c storage.Consent
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
	}
	return &c, nil
}

// Check reports whether a consent in force covers every scope in scopes
func (s *ConsentStore) Check(ctx context.Context, userID, clientID string, scopes []string) (bool, error) {
	c, err := s.Get(ctx, userID, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.Revoked() {
		return false, nil
	}
	return util.ScopesSubset(scopes, c.GrantedScopes), nil
}

// Grant records approval of scopes. Approvals accumulate: the stored grant
// is the union of every approval since the last revocation. Concurrent
// grants for the same user and client are merged with compare-and-swap, so
// none is lost.
func (s *ConsentStore) Grant(ctx context.Context, userID, clientID string, scopes []string) (*storage.Consent, error) {
	key := consentKey(userID, clientID)

	var c *storage.Consent
	for attempt := 0; ; attempt++ {
		if attempt == maxConsentRetries {
			return nil, errors.New("failed to store consent: too much contention")
		}

		raw, err := s.kv.Get(ctx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		c = &storage.Consent{
			UserID:        userID,
			ClientID:      clientID,
			GrantedScopes: util.NormalizeScopes(scopes),
			GrantedAt:     s.now().UTC(),
		}
		if raw != nil {
			var existing storage.Consent
			if err := json.Unmarshal(raw, &existing); err != nil {
				return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
			}
			if !existing.Revoked() {
				c.GrantedScopes = util.ScopesUnion(existing.GrantedScopes, scopes)
			}
		}

		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal consent: %w", err)
		}
		var stored bool
		if raw == nil {
			stored, err = s.kv.SetNX(ctx, key, data, 0)
		} else {
			stored, err = s.kv.CompareAndSwap(ctx, key, raw, data, 0)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to store consent: %w", err)
		}
		if stored {
			break
		}
	}

	if err := s.kv.SAdd(ctx, consentIdxPrefix+userID, 0, clientID); err != nil {
		return nil, fmt.Errorf("failed to index consent: %w", err)
	}

	s.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventConsentGranted,
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]any{"scope": util.JoinScopes(c.GrantedScopes)},
	})
	return c, nil
}

// Revoke withdraws consent and revokes every refresh token the user holds
// for the client. Revoking an absent consent is not an error.
func (s *ConsentStore) Revoke(ctx context.Context, userID, clientID string) error {
	c, err := s.Get(ctx, userID, clientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c = nil
	case err != nil:
		return err
	}

	if c != nil && !c.Revoked() {
		now := s.now().UTC()
		c.RevokedAt = &now
		if err := s.put(ctx, c); err != nil {
			return err
		}
	}

	revoked := 0
	if s.tokens != nil {
		n, err := s.tokens.RevokeForUserClient(ctx, userID, clientID)
		if err != nil {
			return fmt.Errorf("failed to revoke tokens: %w", err)
		}
		revoked = n
	}

	s.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventConsentRevoked,
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]any{"revoked_tokens": revoked},
	})
	s.logger.Info("Consent revoked",
		"client_id", clientID,
		"user_id_hash", util.HashForLogging(userID),
		"revoked_tokens", revoked)
	return nil
}

// ListForUser returns the consents in force for userID, ordered by client
func (s *ConsentStore) ListForUser(ctx context.Context, userID string) ([]*storage.Consent, error) {
	ids, err := s.kv.SMembers(ctx, consentIdxPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	sort.Strings(ids)

	out := make([]*storage.Consent, 0, len(ids))
	for _, clientID := range ids {
		c, err := s.Get(ctx, userID, clientID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if c.Revoked() {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *ConsentStore) put(ctx context.Context, c *storage.Consent) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal consent: %w", err)
	}
	if err := s.kv.Set(ctx, consentKey(c.UserID, c.ClientID), data, 0); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}
