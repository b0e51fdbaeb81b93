package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/token"
)

// ClientIDPrefix starts every generated client_id
const ClientIDPrefix = "oauth2_client_"

// ClientType distinguishes clients that can keep a secret from those that cannot
type ClientType string

const (
	// ClientTypeConfidential clients authenticate with a secret
	ClientTypeConfidential ClientType = "confidential"

	// ClientTypePublic clients have no secret and must use PKCE
	ClientTypePublic ClientType = "public"
)

// ParseClientType parses a client type. Empty means confidential.
func ParseClientType(s string) (ClientType, error) {
	switch ClientType(s) {
	case "", ClientTypeConfidential:
		return ClientTypeConfidential, nil
	case ClientTypePublic:
		return ClientTypePublic, nil
	default:
		return "", fmt.Errorf("unknown client type %q", s)
	}
}

// ClientSpec describes a client to register
type ClientSpec struct {
	// ClientID is generated when empty
	ClientID      string
	Name          string
	Type          ClientType
	RedirectURIs  []string
	AllowedScopes []string
	OwnerUserID   string
}

// ClientPatch changes client settings. Nil fields are left as they are.
type ClientPatch struct {
	Name          *string
	RedirectURIs  []string
	AllowedScopes []string
}

// ClientRegistry registers, authenticates and manages OAuth clients.
type ClientRegistry struct {
	store      storage.ClientStore
	redirects  *security.RedirectValidator
	input      *security.InputValidator
	scopes     ScopeRegistry
	tokens     *token.Service
	auditor    *security.Auditor
	logger     *slog.Logger
	bcryptCost int
	now        func() time.Time

	dummyOnce sync.Once
	dummyHash []byte

	instrumentation *instrumentation.Instrumentation
}

// NewClientRegistry creates a ClientRegistry. tokens may be nil, in which
// case deactivation does not revoke refresh tokens.
func NewClientRegistry(store storage.ClientStore, guard *Guard, scopes ScopeRegistry, tokens *token.Service, bcryptCost int, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &ClientRegistry{
		store:      store,
		redirects:  guard.Redirects,
		input:      guard.Input,
		scopes:     scopes,
		tokens:     tokens,
		auditor:    guard.Auditor,
		logger:     logger,
		bcryptCost: bcryptCost,
		now:        time.Now,
	}
}

// SetInstrumentation enables client registration metrics
func (r *ClientRegistry) SetInstrumentation(inst *instrumentation.Instrumentation) {
	r.instrumentation = inst
}

// Register creates a client. The plaintext secret is returned once and only
// for confidential clients; it is stored as a bcrypt hash.
func (r *ClientRegistry) Register(ctx context.Context, spec ClientSpec) (*storage.Client, string, error) {
	clientType, err := ParseClientType(string(spec.Type))
	if err != nil {
		return nil, "", ErrInvalidRequest(err.Error())
	}
	if err := r.validateSettings(spec.RedirectURIs, spec.AllowedScopes); err != nil {
		return nil, "", err
	}

	clientID := spec.ClientID
	if clientID == "" {
		clientID = generateClientID()
	} else if err := r.input.ValidateClientID(ctx, clientID); err != nil {
		return nil, "", ErrInvalidRequest("client_id has an invalid format")
	}

	secret, hash, err := r.generateSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	now := r.now().UTC()
	client := &storage.Client{
		ClientID:      clientID,
		ClientType:    string(clientType),
		SecretHash:    hash,
		Name:          spec.Name,
		RedirectURIs:  append([]string(nil), spec.RedirectURIs...),
		AllowedScopes: util.NormalizeScopes(spec.AllowedScopes),
		OwnerUserID:   spec.OwnerUserID,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := r.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrClientExists) {
			return nil, "", ErrInvalidRequest("client_id is already registered")
		}
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	r.auditor.LogClientRegistered(ctx, client.ClientID, client.ClientType, client.OwnerUserID)
	if r.instrumentation != nil {
		r.instrumentation.Metrics().RecordClientRegistration(ctx, client.ClientType)
	}
	r.logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.Name,
		"client_type", client.ClientType,
		"redirect_uris", len(client.RedirectURIs))

	return client.Clone(), secret, nil
}

// Get returns a client by ID. Lookup failures are reported as absent.
func (r *ClientRegistry) Get(ctx context.Context, clientID string) (*storage.Client, bool) {
	c, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrClientNotFound) {
			r.logger.Error("Failed to load client", "client_id", clientID, "error", err)
		}
		return nil, false
	}
	return c, true
}

// Lookup is Get with the storage error surfaced, for callers that need to
// tell "unknown" from "store unavailable".
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	return r.store.GetClient(ctx, clientID)
}

// Validate authenticates a client. Unknown, inactive and wrong-secret
// clients all fail the same way, and unknown clients still pay for a bcrypt
// comparison so response time does not reveal which client IDs exist.
// Public clients authenticate by ID alone and must not present a secret.
func (r *ClientRegistry) Validate(ctx context.Context, clientID, secret string) (*storage.Client, bool) {
	client, ok := r.Get(ctx, clientID)
	if !ok || !client.Active {
		_ = bcrypt.CompareHashAndPassword(r.dummy(), []byte(secret))
		return nil, false
	}

	switch ClientType(client.ClientType) {
	case ClientTypePublic:
		if secret != "" {
			return nil, false
		}
		return client, true
	case ClientTypeConfidential:
		if secret == "" || client.SecretHash == "" {
			_ = bcrypt.CompareHashAndPassword(r.dummy(), []byte(secret))
			return nil, false
		}
		if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) != nil {
			return nil, false
		}
		return client, true
	default:
		return nil, false
	}
}

// Update applies patch to a client. Redirect URIs and scopes are validated
// the same way as at registration.
func (r *ClientRegistry) Update(ctx context.Context, clientID string, patch ClientPatch) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	redirects := client.RedirectURIs
	if patch.RedirectURIs != nil {
		redirects = patch.RedirectURIs
	}
	scopes := client.AllowedScopes
	if patch.AllowedScopes != nil {
		scopes = patch.AllowedScopes
	}
	if err := r.validateSettings(redirects, scopes); err != nil {
		return nil, err
	}

	if patch.Name != nil {
		client.Name = *patch.Name
	}
	client.RedirectURIs = append([]string(nil), redirects...)
	client.AllowedScopes = util.NormalizeScopes(scopes)
	client.UpdatedAt = r.now().UTC()

	if err := r.store.UpdateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}

	r.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientUpdated,
		ClientID: clientID,
	})
	r.logger.Info("Updated OAuth client", "client_id", clientID)
	return client.Clone(), nil
}

// Deactivate disables a client and revokes all of its refresh tokens.
// Clients are never hard deleted.
func (r *ClientRegistry) Deactivate(ctx context.Context, clientID string) error {
	if err := r.setActive(ctx, clientID, false); err != nil {
		return err
	}

	revoked := 0
	if r.tokens != nil {
		n, err := r.tokens.RevokeForClient(ctx, clientID)
		if err != nil {
			return fmt.Errorf("failed to revoke client tokens: %w", err)
		}
		revoked = n
	}

	r.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientDeactivated,
		ClientID: clientID,
		Details:  map[string]any{"revoked_tokens": revoked},
	})
	r.logger.Info("Deactivated OAuth client", "client_id", clientID, "revoked_tokens", revoked)
	return nil
}

// Reactivate re-enables a deactivated client. Revoked tokens stay revoked.
func (r *ClientRegistry) Reactivate(ctx context.Context, clientID string) error {
	if err := r.setActive(ctx, clientID, true); err != nil {
		return err
	}
	r.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientReactivated,
		ClientID: clientID,
	})
	r.logger.Info("Reactivated OAuth client", "client_id", clientID)
	return nil
}

// RegenerateSecret replaces a confidential client's secret and returns the
// new plaintext. The old secret stops working immediately.
func (r *ClientRegistry) RegenerateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if ClientType(client.ClientType) != ClientTypeConfidential {
		return "", ErrInvalidRequest("public clients have no secret")
	}

	secret, hash, err := r.generateSecret(ClientTypeConfidential)
	if err != nil {
		return "", err
	}
	client.SecretHash = hash
	client.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return "", fmt.Errorf("failed to update client: %w", err)
	}

	r.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventClientSecretRegenerated,
		ClientID: clientID,
	})
	r.logger.Info("Regenerated client secret", "client_id", clientID)
	return secret, nil
}

// List returns the clients of ownerUserID, or every client when empty
func (r *ClientRegistry) List(ctx context.Context, ownerUserID string) ([]*storage.Client, error) {
	return r.store.ListClients(ctx, ownerUserID)
}

func (r *ClientRegistry) setActive(ctx context.Context, clientID string, active bool) error {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if client.Active == active {
		return nil
	}
	client.Active = active
	client.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return nil
}

func (r *ClientRegistry) validateSettings(redirectURIs, scopes []string) error {
	if len(redirectURIs) == 0 {
		return ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, uri := range redirectURIs {
		if err := r.redirects.ValidateRegistration(uri); err != nil {
			return ErrInvalidRedirectURI(fmt.Sprintf("redirect_uri %q is not allowed", util.SafeTruncate(uri, 128)))
		}
	}
	for _, s := range scopes {
		if r.scopes != nil && !r.scopes.Valid(s) {
			return ErrInvalidScope(fmt.Sprintf("unknown scope %q", util.SafeTruncate(s, 64)))
		}
	}
	return nil
}

// generateSecret generates a secret for confidential clients.
func (r *ClientRegistry) generateSecret(clientType ClientType) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	secret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return secret, string(hash), nil
}

// dummy returns a hash of a random value at the registry's cost
func (r *ClientRegistry) dummy() []byte {
	r.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(generateRandomToken()), r.bcryptCost)
		if err != nil {
			r.logger.Error("Failed to create dummy client hash", "error", err)
			return
		}
		r.dummyHash = h
	})
	return r.dummyHash
}

func generateClientID() string {
	return ClientIDPrefix + generateRandomToken()[:16]
}

// generateRandomToken returns 256 bits of randomness, base64url encoded
// (43 characters). oauth2.GenerateVerifier uses crypto/rand.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
