package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/internal/scripts"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "oauth2:"

	connectionVerifyTimeout = 5 * time.Second

	backendName = "redis"
)

var (
	getDelScript           = goredis.NewScript(scripts.GetDel)
	compareAndDeleteScript = goredis.NewScript(scripts.CompareAndDelete)
	compareAndSwapScript   = goredis.NewScript(scripts.CompareAndSwap)
	windowAddScript        = goredis.NewScript(scripts.WindowAdd)
	setNXScript            = goredis.NewScript(scripts.SetNX)
	incrScript             = goredis.NewScript(scripts.IncrWithTTL)
	saddScript             = goredis.NewScript(scripts.SAddWithTTL)
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// URL is a redis:// or rediss:// connection URL (required)
	URL string

	// KeyPrefix is the prefix for all keys (default "oauth2:")
	KeyPrefix string

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of storage.KV.
type Store struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.KV = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return NewFromClient(goredis.NewClient(opts), cfg.KeyPrefix, cfg.Logger)
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *goredis.Client, prefix string, logger *slog.Logger) (*Store, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis storage",
		"address", client.Options().Addr,
		"db", client.Options().DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	s.logger.Info("Redis storage connection closed")
	return s.client.Close()
}

// SetInstrumentation enables tracing and metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// ============================================================
// storage.KV Implementation
// ============================================================

// Ping implements storage.KV
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Get implements storage.KV
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get", &err, time.Now())

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", err)
	}
	return data, nil
}

// Set implements storage.KV
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "set")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "set", &err, time.Now())

	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return wrapErr("set", err)
	}
	return nil
}

// SetNX implements storage.KV
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "setnx")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "setnx", &err, time.Now())

	n, err := setNXScript.Run(ctx, s.client, []string{s.key(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrapErr("setnx", err)
	}
	return n == 1, nil
}

// GetDel implements storage.KV.
// SECURITY: runs as a single Lua script, only one concurrent caller receives the value.
func (s *Store) GetDel(ctx context.Context, key string) (_ []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "getdel")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "getdel", &err, time.Now())

	v, err := getDelScript.Run(ctx, s.client, []string{s.key(key)}).Text()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("getdel", err)
	}
	return []byte(v), nil
}

// CompareAndDelete implements storage.KV
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "compare_and_delete")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "compare_and_delete", &err, time.Now())

	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.key(key)}, expected).Int64()
	if err != nil {
		return false, wrapErr("compare_and_delete", err)
	}
	return n == 1, nil
}

// CompareAndSwap implements storage.KV
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "compare_and_swap")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "compare_and_swap", &err, time.Now())

	n, err := compareAndSwapScript.Run(ctx, s.client, []string{s.key(key)}, expected, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrapErr("compare_and_swap", err)
	}
	return n == 1, nil
}

// WindowAdd implements storage.KV
func (s *Store) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (_ storage.WindowCount, err error) {
	ctx, span := s.startStorageSpan(ctx, "window_add")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "window_add", &err, time.Now())

	values, err := windowAddScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return storage.WindowCount{}, wrapErr("window_add", err)
	}
	if len(values) != 3 {
		return storage.WindowCount{}, fmt.Errorf("window_add: unexpected reply length %d", len(values))
	}
	out := storage.WindowCount{Count: int(values[0]), Added: values[1] == 1}
	if values[2] > 0 {
		out.Oldest = time.UnixMilli(values[2])
	}
	return out, nil
}

// Del implements storage.KV
func (s *Store) Del(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}

	ctx, span := s.startStorageSpan(ctx, "del")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "del", &err, time.Now())

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return wrapErr("del", err)
	}
	return nil
}

// Incr implements storage.KV
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "incr")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "incr", &err, time.Now())

	n, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrapErr("incr", err)
	}
	return n, nil
}

// SAdd implements storage.KV
func (s *Store) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) (err error) {
	if len(members) == 0 {
		return nil
	}

	ctx, span := s.startStorageSpan(ctx, "sadd")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "sadd", &err, time.Now())

	args := make([]any, 0, len(members)+1)
	args = append(args, ttl.Milliseconds())
	for _, m := range members {
		args = append(args, m)
	}

	if err := saddScript.Run(ctx, s.client, []string{s.key(key)}, args...).Err(); err != nil {
		return wrapErr("sadd", err)
	}
	return nil
}

// SMembers implements storage.KV
func (s *Store) SMembers(ctx context.Context, key string) (_ []string, err error) {
	ctx, span := s.startStorageSpan(ctx, "smembers")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "smembers", &err, time.Now())

	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		return nil, wrapErr("smembers", err)
	}
	return members, nil
}

// SRem implements storage.KV
func (s *Store) SRem(ctx context.Context, key string, members ...string) (err error) {
	if len(members) == 0 {
		return nil
	}

	ctx, span := s.startStorageSpan(ctx, "srem")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "srem", &err, time.Now())

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, s.key(key), args...).Err(); err != nil {
		return wrapErr("srem", err)
	}
	return nil
}

// ============================================================
// Helpers
// ============================================================

func wrapErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, goredis.ErrClosed) {
		return fmt.Errorf("redis %s: %w: %w", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageBackend, backendName),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, start time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if errp != nil && *errp != nil && !errors.Is(*errp, storage.ErrNotFound) {
		result = "error"
		instrumentation.RecordError(span, *errp)
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}
