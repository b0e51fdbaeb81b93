package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/pkce"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	codePrefix     = "authcode:"
	codeUsedPrefix = "authcode_used:"
)

// CodeRequest is what an authorization code is bound to
type CodeRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod pkce.Method
}

// AuthorizationCodeStore issues single-use authorization codes.
// Records are encrypted and keyed by the hash of the code, so a store dump
// yields neither codes nor their bindings.
type AuthorizationCodeStore struct {
	kv     storage.KV
	crypto *security.TokenCrypto
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthorizationCodeStore creates a code store. ttl <= 0 uses
// DefaultAuthorizationCodeTTL.
func NewAuthorizationCodeStore(kv storage.KV, crypto *security.TokenCrypto, ttl time.Duration, logger *slog.Logger) *AuthorizationCodeStore {
	if ttl <= 0 {
		ttl = DefaultAuthorizationCodeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationCodeStore{
		kv:     kv,
		crypto: crypto,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func codeHash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Issue stores a new code bound to req and returns it
func (s *AuthorizationCodeStore) Issue(ctx context.Context, req CodeRequest) (string, error) {
	now := s.now().UTC()
	rec := storage.AuthorizationCode{
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              util.NormalizeScopes(req.Scopes),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: string(req.CodeChallengeMethod),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.ttl),
	}

	sealed, err := s.crypto.Encrypt(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt authorization code: %w", err)
	}

	code := generateRandomToken()
	stored, err := s.kv.SetNX(ctx, codePrefix+codeHash(code), []byte(sealed), s.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !stored {
		return "", errors.New("authorization code collision")
	}
	return code, nil
}

// Consume atomically removes a code and returns its record. A code can be
// consumed once: of any number of concurrent callers at most one gets ok.
// Unknown, expired, undecryptable and already consumed codes report !ok.
func (s *AuthorizationCodeStore) Consume(ctx context.Context, code string) (*storage.AuthorizationCode, bool, error) {
	hash := codeHash(code)
	raw, err := s.kv.GetDel(ctx, codePrefix+hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// remember the binding so a replay can be traced to its tokens
	wctx, cancel := util.Detach(ctx)
	defer cancel()
	if err := s.kv.Set(wctx, codeUsedPrefix+hash, raw, s.ttl); err != nil {
		s.logger.Warn("Failed to record consumed authorization code", "error", err)
	}

	rec, err := s.decrypt(raw)
	if err != nil {
		s.logger.Warn("Discarding unreadable authorization code",
			"code_prefix", util.SafeTruncate(code, 8),
			"error", err)
		return nil, false, nil
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, false, nil
	}
	return rec, true, nil
}

// Restore puts back a code consumed by Consume when the exchange could not
// complete, so the client can redeem it again. A code past its expiry is
// not restored.
func (s *AuthorizationCodeStore) Restore(ctx context.Context, code string, rec *storage.AuthorizationCode) error {
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	sealed, err := s.crypto.Encrypt(rec)
	if err != nil {
		return fmt.Errorf("failed to encrypt authorization code: %w", err)
	}

	hash := codeHash(code)
	if _, err := s.kv.SetNX(ctx, codePrefix+hash, []byte(sealed), ttl); err != nil {
		return fmt.Errorf("failed to restore authorization code: %w", err)
	}
	if err := s.kv.Del(ctx, codeUsedPrefix+hash); err != nil {
		return fmt.Errorf("failed to restore authorization code: %w", err)
	}
	return nil
}

// Consumed returns the record of a code that was already consumed, for as
// long as the code would otherwise have lived.
func (s *AuthorizationCodeStore) Consumed(ctx context.Context, code string) (*storage.AuthorizationCode, bool) {
	raw, err := s.kv.Get(ctx, codeUsedPrefix+codeHash(code))
	if err != nil {
		return nil, false
	}
	rec, err := s.decrypt(raw)
	if err != nil {
		return nil, false
	}
	return rec, true
}

func (s *AuthorizationCodeStore) decrypt(raw []byte) (*storage.AuthorizationCode, error) {
	var rec storage.AuthorizationCode
	if err := s.crypto.Decrypt(string(raw), s.ttl+time.Minute, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
