package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth2-server/security"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "OAUTH2_"

// Storage backends
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
	BackendRedis  = "redis"
)

// HKDF info strings for derived keys
const (
	infoSigningKey = "oauth2-server access token signing"
	infoSessionKey = "oauth2-server session cookie"
)

// Config is the complete authzd configuration
type Config struct {
	Addr     string `yaml:"addr"`
	Issuer   string `yaml:"issuer"`
	BasePath string `yaml:"base_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MasterKey is the base64 encoded 32 byte key encrypting data at rest
	MasterKey         string `yaml:"master_key"`
	MasterKeySecretID string `yaml:"master_key_secret_id"`
	AWSRegion         string `yaml:"aws_region"`

	// SigningKey signs access tokens. Derived from MasterKey when empty.
	SigningKey string `yaml:"signing_key"`

	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Security SecurityConfig `yaml:"security"`
	Session  SessionConfig  `yaml:"session"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Header   HeaderConfig   `yaml:"header_auth"`
	Audit    AuditConfig    `yaml:"audit"`

	Scopes []ScopeConfig `yaml:"scopes"`

	Metrics bool `yaml:"metrics"`
}

// StorageConfig selects the key-value backend
type StorageConfig struct {
	Backend        string `yaml:"backend"`
	ValkeyAddr     string `yaml:"valkey_addr"`
	ValkeyPassword string `yaml:"valkey_password"`
	RedisURL       string `yaml:"redis_url"`
	KeyPrefix      string `yaml:"key_prefix"`
}

// DatabaseConfig enables the SQL client store and audit log. Empty Driver
// keeps clients in the key-value store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TokenConfig controls token lifetimes
type TokenConfig struct {
	AccessTokenTTL      time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL     time.Duration `yaml:"refresh_token_ttl"`
	CodeTTL             time.Duration `yaml:"code_ttl"`
	RevokeFamilyOnReuse bool          `yaml:"revoke_family_on_reuse"`
}

// SecurityConfig holds the protocol hardening switches
type SecurityConfig struct {
	RequireS256       bool `yaml:"require_s256"`
	TrustProxy        bool `yaml:"trust_proxy"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count"`
	BcryptCost        int  `yaml:"bcrypt_cost"`
}

// SessionConfig configures the signed session cookie
type SessionConfig struct {
	// Key signs session cookies. Derived from MasterKey when empty.
	Key        string        `yaml:"key"`
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
	Insecure   bool          `yaml:"insecure"`
}

// UpstreamConfig enables login through an upstream OpenID provider
type UpstreamConfig struct {
	Issuer        string   `yaml:"issuer"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	Scopes        []string `yaml:"scopes"`
	AdminGroups   []string `yaml:"admin_groups"`
	AdminSubjects []string `yaml:"admin_subjects"`
}

// Enabled reports whether upstream login is configured
func (u UpstreamConfig) Enabled() bool {
	return u.Issuer != ""
}

// HeaderConfig enables identity headers set by a trusted auth proxy
type HeaderConfig struct {
	TrustedProxies []string `yaml:"trusted_proxies"`
	UserHeader     string   `yaml:"user_header"`
	GroupsHeader   string   `yaml:"groups_header"`
	AdminGroups    []string `yaml:"admin_groups"`
}

// Enabled reports whether header authentication is configured
func (h HeaderConfig) Enabled() bool {
	return len(h.TrustedProxies) > 0
}

// AuditConfig configures the audit event sinks
type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`
}

// ScopeConfig declares a scope clients may request
type ScopeConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		BasePath:  "/oauth2",
		LogLevel:  "info",
		LogFormat: "json",
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Security: SecurityConfig{
			TrustedProxyCount: 1,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
		Scopes: []ScopeConfig{
			{Name: "read:profile", Description: "Read your profile"},
			{Name: "write:profile", Description: "Update your profile"},
		},
	}
}

// Load reads the configuration from the .env file, the YAML file at path
// (skipped when empty) and the environment, then resolves the master key.
func Load(ctx context.Context, path string) (*Config, error) {
	envFile := os.Getenv(EnvPrefix + "ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if cfg.MasterKey == "" && cfg.MasterKeySecretID != "" {
		fetcher, err := newSecretFetcher(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		key, err := fetchMasterKey(ctx, fetcher, cfg.MasterKeySecretID)
		if err != nil {
			return nil, err
		}
		cfg.MasterKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv overrides fields from OAUTH2_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.str("ADDR", &c.Addr)
	env.str("ISSUER", &c.Issuer)
	env.str("BASE_PATH", &c.BasePath)
	env.str("LOG_LEVEL", &c.LogLevel)
	env.str("LOG_FORMAT", &c.LogFormat)
	env.str("MASTER_KEY", &c.MasterKey)
	env.str("MASTER_KEY_SECRET_ID", &c.MasterKeySecretID)
	env.str("AWS_REGION", &c.AWSRegion)
	env.str("SIGNING_KEY", &c.SigningKey)
	env.boolean("METRICS", &c.Metrics)

	env.str("STORAGE_BACKEND", &c.Storage.Backend)
	env.str("VALKEY_ADDR", &c.Storage.ValkeyAddr)
	env.str("VALKEY_PASSWORD", &c.Storage.ValkeyPassword)
	env.str("REDIS_URL", &c.Storage.RedisURL)
	env.str("KEY_PREFIX", &c.Storage.KeyPrefix)

	env.str("DATABASE_DRIVER", &c.Database.Driver)
	env.str("DATABASE_DSN", &c.Database.DSN)

	env.duration("ACCESS_TOKEN_TTL", &c.Tokens.AccessTokenTTL)
	env.duration("REFRESH_TOKEN_TTL", &c.Tokens.RefreshTokenTTL)
	env.duration("CODE_TTL", &c.Tokens.CodeTTL)
	env.boolean("REVOKE_FAMILY_ON_REUSE", &c.Tokens.RevokeFamilyOnReuse)

	env.boolean("REQUIRE_S256", &c.Security.RequireS256)
	env.boolean("TRUST_PROXY", &c.Security.TrustProxy)
	env.integer("TRUSTED_PROXY_COUNT", &c.Security.TrustedProxyCount)
	env.integer("BCRYPT_COST", &c.Security.BcryptCost)

	env.str("SESSION_KEY", &c.Session.Key)
	env.str("SESSION_COOKIE_NAME", &c.Session.CookieName)
	env.duration("SESSION_TTL", &c.Session.TTL)
	env.boolean("SESSION_INSECURE", &c.Session.Insecure)

	env.str("UPSTREAM_ISSUER", &c.Upstream.Issuer)
	env.str("UPSTREAM_CLIENT_ID", &c.Upstream.ClientID)
	env.str("UPSTREAM_CLIENT_SECRET", &c.Upstream.ClientSecret)
	env.list("UPSTREAM_SCOPES", &c.Upstream.Scopes)
	env.list("UPSTREAM_ADMIN_GROUPS", &c.Upstream.AdminGroups)
	env.list("UPSTREAM_ADMIN_SUBJECTS", &c.Upstream.AdminSubjects)

	env.list("HEADER_TRUSTED_PROXIES", &c.Header.TrustedProxies)
	env.str("HEADER_USER", &c.Header.UserHeader)
	env.str("HEADER_GROUPS", &c.Header.GroupsHeader)
	env.list("HEADER_ADMIN_GROUPS", &c.Header.AdminGroups)

	env.boolean("AUDIT_ENABLED", &c.Audit.Enabled)
	env.str("AUDIT_AMQP_URL", &c.Audit.AMQPURL)
	env.str("AUDIT_AMQP_EXCHANGE", &c.Audit.AMQPExchange)

	return env.err
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required (" + EnvPrefix + "ISSUER)")
	}
	if u, err := url.Parse(c.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if _, err := c.MasterKeyBytes(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendValkey:
		if c.Storage.ValkeyAddr == "" {
			return errors.New("valkey backend requires valkey_addr")
		}
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("redis backend requires redis_url")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Database.Driver != "" && c.Database.DSN == "" {
		return errors.New("database driver set without dsn")
	}
	if c.Upstream.Enabled() && (c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "") {
		return errors.New("upstream login requires client_id and client_secret")
	}
	if len(c.Scopes) == 0 {
		return errors.New("at least one scope must be configured")
	}
	for _, s := range c.Scopes {
		if s.Name == "" {
			return errors.New("scope name must not be empty")
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// MasterKeyBytes decodes the master key
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, errors.New("master key is required (" + EnvPrefix + "MASTER_KEY or " + EnvPrefix + "MASTER_KEY_SECRET_ID)")
	}
	key, err := security.KeyFromBase64(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	return key, nil
}

// SigningKeyBytes returns the configured access token signing key, or one
// derived from the master key
func (c *Config) SigningKeyBytes() ([]byte, error) {
	if c.SigningKey != "" {
		return []byte(c.SigningKey), nil
	}
	return c.derive(infoSigningKey)
}

// SessionKeyBytes returns the configured session key, or one derived from
// the master key
func (c *Config) SessionKeyBytes() ([]byte, error) {
	if c.Session.Key != "" {
		return []byte(c.Session.Key), nil
	}
	return c.derive(infoSessionKey)
}

func (c *Config) derive(info string) ([]byte, error) {
	master, err := c.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// ParseLogLevel maps a level name to a slog level
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Redacted renders the configuration as YAML with secrets masked
func (c *Config) Redacted() string {
	cp := *c
	for _, s := range []*string{
		&cp.MasterKey, &cp.SigningKey, &cp.Session.Key, &cp.Storage.ValkeyPassword,
		&cp.Upstream.ClientSecret,
	} {
		if *s != "" {
			*s = "REDACTED"
		}
	}
	cp.Storage.RedisURL = redactURL(cp.Storage.RedisURL)
	cp.Audit.AMQPURL = redactURL(cp.Audit.AMQPURL)
	if cp.Database.DSN != "" && cp.Database.Driver != "sqlite" {
		cp.Database.DSN = "REDACTED"
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	_ = enc.Encode(&cp)
	return buf.String()
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}

// envReader collects the first parse error
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.get(name); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = i
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

// list reads a comma separated value
func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
