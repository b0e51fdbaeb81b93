package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/internal/scripts"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth2:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	backendName = "valkey"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth2:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.KV.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.KV = (*Store)(nil)

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
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
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return wrapErr("ping", err)
	}
	return nil
}

// Get implements storage.KV
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get", &err, time.Now())

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).AsBytes()
	if isNilError(err) {
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

	var cmd valkeygo.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return wrapErr("set", err)
	}
	return nil
}

// SetNX implements storage.KV
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "setnx")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "setnx", &err, time.Now())

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(scripts.SetNX).
			Numkeys(1).
			Key(s.key(key)).
			Arg(valkeygo.BinaryString(value), strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).AsInt64()
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

	data, err := s.client.Do(ctx,
		s.client.B().Eval().Script(scripts.GetDel).
			Numkeys(1).
			Key(s.key(key)).
			Build(),
	).AsBytes()
	if isNilError(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("getdel", err)
	}
	return data, nil
}

// CompareAndDelete implements storage.KV
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "compare_and_delete")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "compare_and_delete", &err, time.Now())

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(scripts.CompareAndDelete).
			Numkeys(1).
			Key(s.key(key)).
			Arg(valkeygo.BinaryString(expected)).
			Build(),
	).AsInt64()
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

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(scripts.CompareAndSwap).
			Numkeys(1).
			Key(s.key(key)).
			Arg(valkeygo.BinaryString(expected), valkeygo.BinaryString(value), strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).AsInt64()
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

	reply, err := s.client.Do(ctx,
		s.client.B().Eval().Script(scripts.WindowAdd).
			Numkeys(1).
			Key(s.key(key)).
			Arg(
				strconv.FormatInt(now.UnixMilli(), 10),
				strconv.FormatInt(window.Milliseconds(), 10),
				strconv.Itoa(limit),
				member,
			).
			Build(),
	).ToArray()
	if err != nil {
		return storage.WindowCount{}, wrapErr("window_add", err)
	}
	if len(reply) != 3 {
		return storage.WindowCount{}, fmt.Errorf("window_add: unexpected reply length %d", len(reply))
	}
	values := make([]int64, 3)
	for i, m := range reply {
		if values[i], err = m.AsInt64(); err != nil {
			return storage.WindowCount{}, wrapErr("window_add", err)
		}
	}
	return windowCount(values), nil
}

func windowCount(values []int64) storage.WindowCount {
	out := storage.WindowCount{Count: int(values[0]), Added: values[1] == 1}
	if values[2] > 0 {
		out.Oldest = time.UnixMilli(values[2])
	}
	return out
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
	if err := s.client.Do(ctx, s.client.B().Del().Key(prefixed...).Build()).Error(); err != nil {
		return wrapErr("del", err)
	}
	return nil
}

// Incr implements storage.KV
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "incr")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "incr", &err, time.Now())

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(scripts.IncrWithTTL).
			Numkeys(1).
			Key(s.key(key)).
			Arg(strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).AsInt64()
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

	args := make([]string, 0, len(members)+1)
	args = append(args, strconv.FormatInt(ttl.Milliseconds(), 10))
	args = append(args, members...)

	if err := s.client.Do(ctx,
		s.client.B().Eval().Script(scripts.SAddWithTTL).
			Numkeys(1).
			Key(s.key(key)).
			Arg(args...).
			Build(),
	).Error(); err != nil {
		return wrapErr("sadd", err)
	}
	return nil
}

// SMembers implements storage.KV
func (s *Store) SMembers(ctx context.Context, key string) (_ []string, err error) {
	ctx, span := s.startStorageSpan(ctx, "smembers")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "smembers", &err, time.Now())

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.key(key)).Build()).AsStrSlice()
	if isNilError(err) {
		return []string{}, nil
	}
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

	if err := s.client.Do(ctx, s.client.B().Srem().Key(s.key(key)).Member(members...).Build()).Error(); err != nil {
		return wrapErr("srem", err)
	}
	return nil
}

// ============================================================
// Helpers
// ============================================================

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// wrapErr marks network failures with storage.ErrUnavailable so callers can
// answer temporarily_unavailable instead of server_error.
func wrapErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, valkeygo.ErrClosing) {
		return fmt.Errorf("valkey %s: %w: %w", op, storage.ErrUnavailable, err)
	}
	return fmt.Errorf("valkey %s: %w", op, err)
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
