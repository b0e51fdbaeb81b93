package token

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultAccessTokenTTL is the access token lifetime
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// MinSigningKeyLength is the minimum HS256 key size in bytes
	MinSigningKeyLength = 32
)

// KV key layout
const (
	refreshPrefix       = "refresh:"
	usedPrefix          = "refresh_used:"
	userClientIdxPrefix = "refresh_idx:user_client:"
	clientIdxPrefix     = "refresh_idx:client:"
	familyIdxPrefix     = "refresh_idx:family:"
)

// Config configures a Service.
type Config struct {
	// Issuer is the iss claim of access tokens (required)
	Issuer string

	// SigningKey signs access tokens with HS256 (at least 32 bytes)
	SigningKey []byte

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// RevokeFamilyOnReuse revokes every token descending from the same
	// authorization when an already rotated refresh token is presented.
	RevokeFamilyOnReuse bool

	Logger *slog.Logger
}

// Service issues access tokens and manages refresh token state.
type Service struct {
	kv      storage.KV
	crypto  *security.TokenCrypto
	auditor *security.Auditor
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	instrumentation *instrumentation.Instrumentation
}

// NewService creates a token service. auditor may be nil.
func NewService(kv storage.KV, crypto *security.TokenCrypto, auditor *security.Auditor, config Config) (*Service, error) {
	if kv == nil || crypto == nil {
		return nil, errors.New("token service requires a store and token crypto")
	}
	if config.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(config.SigningKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyLength)
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		kv:      kv,
		crypto:  crypto,
		auditor: auditor,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetInstrumentation enables token metrics
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// AccessTokenTTL returns the configured access token lifetime
func (s *Service) AccessTokenTTL() time.Duration {
	return s.config.AccessTokenTTL
}

// HashToken returns the storage key component for a refresh token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ============================================================
// Refresh tokens
// ============================================================

// IssueRefreshToken issues a refresh token starting a new token family.
func (s *Service) IssueRefreshToken(ctx context.Context, clientID, userID string, scopes []string) (string, error) {
	token, _, err := s.issue(ctx, clientID, userID, scopes, uuid.NewString())
	return token, err
}

func (s *Service) issue(ctx context.Context, clientID, userID string, scopes []string, familyID string) (string, *storage.RefreshToken, error) {
	now := s.now()
	token := oauth2.GenerateVerifier()
	hash := HashToken(token)

	rec := &storage.RefreshToken{
		TokenHash: hash,
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    util.NormalizeScopes(scopes),
		FamilyID:  familyID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		Active:    true,
	}

	ct, err := s.crypto.Encrypt(rec)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	// indexes first: a revocation that lists them before the record exists
	// leaves the hash indexed for the next one
	ttl := s.config.RefreshTokenTTL
	for _, idx := range indexKeys(rec) {
		if err := s.kv.SAdd(ctx, idx, ttl, hash); err != nil {
			return "", nil, fmt.Errorf("failed to index refresh token: %w", err)
		}
	}
	if err := s.kv.Set(ctx, refreshPrefix+hash, []byte(ct), ttl); err != nil {
		s.unindex(ctx, rec)
		return "", nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return token, rec, nil
}

// Rotate exchanges a refresh token for a new one in the same family.
//
// requestedScopes, when non-empty, must be a subset of the original grant;
// the new refresh token always keeps the original scopes (RFC 6749 section
// 6). Every failure is reported as ErrInvalidGrant, except a scope request
// beyond the grant, which is ErrInvalidScope and leaves the old token valid.
//
// SECURITY: the old record is removed with compare-and-delete after the new
// token is written. If another rotation got there first the new token is
// discarded, so a token rotates at most once.
func (s *Service) Rotate(ctx context.Context, oldToken, clientID string, requestedScopes []string) (*storage.RefreshToken, string, error) {
	if oldToken == "" {
		return nil, "", ErrInvalidGrant
	}
	hash := HashToken(oldToken)
	key := refreshPrefix + hash

	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		s.detectReuse(ctx, hash, clientID)
		return nil, "", ErrInvalidGrant
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load refresh token: %w", err)
	}

	rec, err := s.decrypt(raw)
	if err != nil {
		s.logger.Warn("Refresh token record failed decryption",
			"token_hash", util.SafeTruncate(hash, 8),
			"error", err)
		return nil, "", ErrInvalidGrant
	}

	if subtle.ConstantTimeCompare([]byte(rec.ClientID), []byte(clientID)) != 1 {
		s.auditor.LogEvent(ctx, security.Event{
			Type:     security.EventInvalidGrant,
			ClientID: clientID,
			UserID:   rec.UserID,
			Details: map[string]any{
				"reason":          "refresh token bound to another client",
				"token_client_id": rec.ClientID,
			},
			Severity: security.SeverityHigh,
		})
		return nil, "", ErrInvalidGrant
	}
	if !rec.Active || !s.now().Before(rec.ExpiresAt) {
		return nil, "", ErrInvalidGrant
	}
	if len(requestedScopes) > 0 && !util.ScopesSubset(requestedScopes, rec.Scopes) {
		return nil, "", ErrInvalidScope
	}

	// from here on a half-finished rotation leaves an orphaned token, so the
	// writes run to completion even if the caller goes away
	ctx, cancel := util.Detach(ctx)
	defer cancel()

	newToken, newRec, err := s.issue(ctx, rec.ClientID, rec.UserID, rec.Scopes, rec.FamilyID)
	if err != nil {
		return nil, "", err
	}

	deleted, err := s.kv.CompareAndDelete(ctx, key, raw)
	if err != nil || !deleted {
		if _, cleanupErr := s.revokeHash(ctx, newRec.TokenHash); cleanupErr != nil {
			s.logger.Error("Failed to discard refresh token after lost rotation",
				"client_id", clientID,
				"error", cleanupErr)
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to consume refresh token: %w", err)
		}
		s.logger.Warn("Concurrent refresh token rotation rejected",
			"client_id", clientID,
			"family_id", rec.FamilyID)
		return nil, "", ErrInvalidGrant
	}

	// remember the rotated hash so a replay can be recognized
	if ttl := rec.ExpiresAt.Sub(s.now()); ttl > 0 {
		if err := s.kv.Set(ctx, usedPrefix+hash, []byte(rec.FamilyID), ttl); err != nil {
			s.logger.Warn("Failed to record rotated refresh token", "error", err)
		}
	}
	s.unindex(ctx, rec)

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRefresh(ctx, clientID)
	}

	return newRec, newToken, nil
}

// Lookup returns the active record for a refresh token without consuming it.
func (s *Service) Lookup(ctx context.Context, token string) (*storage.RefreshToken, error) {
	raw, err := s.kv.Get(ctx, refreshPrefix+HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	rec, err := s.decrypt(raw)
	if err != nil || !rec.Active || !s.now().Before(rec.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	return rec, nil
}

// Revoke invalidates a refresh token. Unknown tokens are not an error.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.revokeHash(ctx, HashToken(token)); err != nil {
		return err
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRevocation(ctx, "")
	}
	return nil
}

// RevokeForUserClient revokes every refresh token issued to clientID on
// behalf of userID and returns how many were removed.
func (s *Service) RevokeForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return s.revokeIndex(ctx, userClientIdxPrefix+userID+":"+clientID)
}

// RevokeForClient revokes every refresh token issued to clientID.
func (s *Service) RevokeForClient(ctx context.Context, clientID string) (int, error) {
	return s.revokeIndex(ctx, clientIdxPrefix+clientID)
}

// RevokeFamily revokes every refresh token descending from one authorization.
func (s *Service) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return s.revokeIndex(ctx, familyIdxPrefix+familyID)
}

// revokeIndex revokes the tokens listed in idx and returns how many were
// live. Hashes without a record stay listed: the record may not be written
// yet, and the set expires with the tokens it tracks.
func (s *Service) revokeIndex(ctx context.Context, idx string) (int, error) {
	hashes, err := s.kv.SMembers(ctx, idx)
	if err != nil {
		return 0, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	revoked := 0
	for _, h := range hashes {
		ok, err := s.revokeHash(ctx, h)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}
	return revoked, nil
}

func (s *Service) revokeHash(ctx context.Context, hash string) (bool, error) {
	key := refreshPrefix + hash
	raw, err := s.kv.GetDel(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if rec, err := s.decrypt(raw); err == nil {
		s.unindex(ctx, rec)
	}
	return true, nil
}

func (s *Service) unindex(ctx context.Context, rec *storage.RefreshToken) {
	for _, idx := range indexKeys(rec) {
		if err := s.kv.SRem(ctx, idx, rec.TokenHash); err != nil {
			s.logger.Warn("Failed to remove refresh token from index",
				"index", idx,
				"error", err)
		}
	}
}

// detectReuse handles a refresh token that is no longer stored. A hash we
// rotated ourselves means the token was replayed.
func (s *Service) detectReuse(ctx context.Context, hash, clientID string) {
	familyID, err := s.kv.Get(ctx, usedPrefix+hash)
	if err != nil {
		return
	}

	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	}
	s.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventTokenReuseDetected,
		ClientID: clientID,
		Details: map[string]any{
			"family_id":         string(familyID),
			"family_revocation": s.config.RevokeFamilyOnReuse,
		},
	})

	if !s.config.RevokeFamilyOnReuse {
		return
	}
	n, err := s.RevokeFamily(ctx, string(familyID))
	if err != nil {
		s.logger.Error("Failed to revoke token family after reuse",
			"family_id", string(familyID),
			"error", err)
		return
	}
	s.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventTokenFamilyRevoked,
		ClientID: clientID,
		Details: map[string]any{
			"family_id": string(familyID),
			"revoked":   n,
		},
	})
}

func (s *Service) decrypt(raw []byte) (*storage.RefreshToken, error) {
	var rec storage.RefreshToken
	// the KV TTL bounds the lifetime; allow a little clock slack on top
	if err := s.crypto.Decrypt(string(raw), s.config.RefreshTokenTTL+time.Minute, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func indexKeys(rec *storage.RefreshToken) []string {
	return []string{
		userClientIdxPrefix + rec.UserID + ":" + rec.ClientID,
		clientIdxPrefix + rec.ClientID,
		familyIdxPrefix + rec.FamilyID,
	}
}
