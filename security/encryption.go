package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/giantswarm/oauth2-server/instrumentation"
)

const (
	// KeySize is the master key size in bytes (AES-256)
	KeySize = 32

	// innerKeySalt is the fixed PBKDF2 salt of the inner layer. Changing it
	// makes every stored ciphertext undecryptable.
	innerKeySalt = "oauth2-server/token-crypto/inner/v1"

	pbkdf2Iterations = 100_000

	envelopeNonceSize = 16
)

var (
	// ErrTampered is returned when authentication or the integrity hash fails
	ErrTampered = errors.New("ciphertext integrity check failed")

	// ErrCiphertextExpired is returned when a ciphertext is older than the allowed max age
	ErrCiphertextExpired = errors.New("ciphertext exceeds maximum age")

	// ErrDecryptionFailed is returned for malformed input
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKey is returned when the master key has the wrong size
	ErrInvalidKey = fmt.Errorf("master key must be exactly %d bytes", KeySize)
)

// envelope is the inner plaintext: the canonical payload plus replay and
// integrity metadata.
type envelope struct {
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	Nonce         string          `json:"nonce"`
	IntegrityHash string          `json:"integrity_hash"`
}

// TokenCrypto encrypts sensitive records before they reach storage.
//
// The payload is wrapped twice with AES-256-GCM: first with an inner key
// derived from the master secret via PBKDF2, then with the master secret
// itself. Before the inner layer, the canonical JSON payload is tagged with a
// timestamp, a random nonce and its SHA-256 hash.
type TokenCrypto struct {
	inner cipher.AEAD
	outer cipher.AEAD
	now   func() time.Time

	instrumentation *instrumentation.Instrumentation
}

// NewTokenCrypto creates a TokenCrypto from a 32-byte master secret.
func NewTokenCrypto(masterKey []byte) (*TokenCrypto, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKey
	}

	innerKey := pbkdf2.Key(masterKey, []byte(innerKeySalt), pbkdf2Iterations, KeySize, sha256.New)

	inner, err := newGCM(innerKey)
	if err != nil {
		return nil, err
	}
	outer, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	return &TokenCrypto{
		inner: inner,
		outer: outer,
		now:   time.Now,
	}, nil
}

// SetInstrumentation enables encryption metrics
func (c *TokenCrypto) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt serializes payload to canonical JSON and returns the
// double-encrypted, base64url-encoded ciphertext.
func (c *TokenCrypto) Encrypt(payload any) (_ string, err error) {
	defer c.record("encrypt", &err, time.Now())

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, envelopeNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	env, err := json.Marshal(envelope{
		Payload:       canonical,
		Timestamp:     c.now().Unix(),
		Nonce:         base64.RawURLEncoding.EncodeToString(nonce),
		IntegrityHash: integrityHash(canonical),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	innerCT, err := seal(c.inner, env)
	if err != nil {
		return "", err
	}
	outerCT, err := seal(c.outer, innerCT)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(outerCT), nil
}

// Decrypt reverses Encrypt and unmarshals the payload into out.
// When maxAge > 0, ciphertexts older than maxAge are rejected with
// ErrCiphertextExpired even if they are otherwise valid.
func (c *TokenCrypto) Decrypt(ciphertext string, maxAge time.Duration, out any) (err error) {
	defer c.record("decrypt", &err, time.Now())

	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("%w: invalid encoding", ErrDecryptionFailed)
	}

	innerCT, err := open(c.outer, data)
	if err != nil {
		return err
	}
	plain, err := open(c.inner, innerCT)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}

	canonical, err := canonicalJSON(env.Payload)
	if err != nil {
		return ErrTampered
	}
	if subtle.ConstantTimeCompare([]byte(integrityHash(canonical)), []byte(env.IntegrityHash)) != 1 {
		return ErrTampered
	}

	if maxAge > 0 {
		issued := time.Unix(env.Timestamp, 0)
		if c.now().Sub(issued) > maxAge {
			return ErrCiphertextExpired
		}
	}

	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%w: payload does not match target type", ErrDecryptionFailed)
	}
	return nil
}

func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	// nonce is prepended to the ciphertext
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func open(aead cipher.AEAD, data []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plain, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrTampered
	}
	return plain, nil
}

// canonicalJSON re-encodes JSON with object keys sorted and insignificant
// whitespace removed, so semantically equal payloads hash identically.
func canonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return out, nil
}

func integrityHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func (c *TokenCrypto) record(operation string, errp *error, start time.Time) {
	if c.instrumentation == nil {
		return
	}
	result := "success"
	if errp != nil && *errp != nil {
		result = "error"
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	c.instrumentation.Metrics().RecordEncryptionOperation(context.Background(), operation, result, durationMs)
}

// GenerateKey generates a random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64 (standard encoding) master key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// KeyToBase64 encodes a master key for configuration files and secret stores.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
