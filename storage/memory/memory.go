package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

const backendName = "memory"

type entry struct {
	value     []byte
	set       map[string]struct{}
	log       []logEntry
	expiresAt time.Time // zero means no expiry
}

type logEntry struct {
	member string
	at     time.Time
}

// plain reports whether e holds a value rather than a set or a log
func (e *entry) plain() bool {
	return e.set == nil && e.log == nil
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory implementation of storage.KV.
type Store struct {
	mu    sync.Mutex
	items map[string]*entry

	// now is replaceable in tests
	now func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	keysCount       atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.KV = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		items:           make(map[string]*entry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables tracing and metrics for storage operations
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.keysCount.Store(int64(len(s.items)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStorageSizeCallback(backendName, s.keysCount.Load); err != nil {
			s.logger.Warn("Failed to register storage size callback", "error", err)
		}
	}
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Close implements storage.KV
func (s *Store) Close() error {
	s.Stop()
	return nil
}

// Ping implements storage.KV
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// lookup returns the live entry at key, removing it if expired. Caller holds mu.
func (s *Store) lookup(key string) (*entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		s.remove(key)
		return nil, false
	}
	return e, true
}

// put stores e at key. Caller holds mu.
func (s *Store) put(key string, e *entry) {
	if _, existed := s.items[key]; !existed {
		s.keysCount.Add(1)
	}
	s.items[key] = e
}

// remove deletes key. Caller holds mu.
func (s *Store) remove(key string) {
	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		s.keysCount.Add(-1)
	}
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// ============================================================
// storage.KV Implementation
// ============================================================

// Get implements storage.KV
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || !e.plain() {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Set implements storage.KV
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "set")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "set", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, &entry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)})
	return nil
}

// SetNX implements storage.KV
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "setnx")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "setnx", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, &entry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)})
	return true, nil
}

// GetDel implements storage.KV.
// SECURITY: read and removal happen under one lock, so only one caller wins.
func (s *Store) GetDel(ctx context.Context, key string) (_ []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "getdel")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "getdel", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || !e.plain() {
		return nil, storage.ErrNotFound
	}
	s.remove(key)
	return e.value, nil
}

// CompareAndDelete implements storage.KV
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "compare_and_delete")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "compare_and_delete", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || !e.plain() || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	s.remove(key)
	return true, nil
}

// CompareAndSwap implements storage.KV
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (_ bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "compare_and_swap")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "compare_and_swap", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || !e.plain() || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	s.put(key, &entry{value: bytes.Clone(value), expiresAt: s.expiry(ttl)})
	return true, nil
}

// Del implements storage.KV
func (s *Store) Del(ctx context.Context, keys ...string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "del")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "del", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		s.remove(k)
	}
	return nil
}

// Incr implements storage.KV
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (_ int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "incr")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "incr", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		s.put(key, &entry{value: []byte("1"), expiresAt: s.expiry(ttl)})
		return 1, nil
	}
	if !e.plain() {
		return 0, fmt.Errorf("key %q does not hold an integer", key)
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %q is not an integer: %w", key, err)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// SAdd implements storage.KV
func (s *Store) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "sadd")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "sadd", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		e = &entry{set: make(map[string]struct{}, len(members))}
		s.put(key, e)
	}
	if e.set == nil {
		return fmt.Errorf("key %q does not hold a set", key)
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	if ttl > 0 {
		e.expiresAt = s.expiry(ttl)
	}
	return nil
}

// SMembers implements storage.KV
func (s *Store) SMembers(ctx context.Context, key string) (_ []string, err error) {
	ctx, span := s.startStorageSpan(ctx, "smembers")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "smembers", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.set == nil {
		return []string{}, nil
	}
	members := make([]string, 0, len(e.set))
	for m := range e.set {
		members = append(members, m)
	}
	return members, nil
}

// SRem implements storage.KV
func (s *Store) SRem(ctx context.Context, key string, members ...string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "srem")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "srem", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.set == nil {
		return nil
	}
	for _, m := range members {
		delete(e.set, m)
	}
	if len(e.set) == 0 {
		s.remove(key)
	}
	return nil
}

// WindowAdd implements storage.KV
func (s *Store) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (_ storage.WindowCount, err error) {
	ctx, span := s.startStorageSpan(ctx, "window_add")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "window_add", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		e = &entry{log: []logEntry{}}
		s.put(key, e)
	}
	if e.log == nil {
		return storage.WindowCount{}, fmt.Errorf("key %q does not hold a log", key)
	}

	cutoff := now.Add(-window)
	kept := e.log[:0]
	for _, le := range e.log {
		if le.at.After(cutoff) {
			kept = append(kept, le)
		}
	}
	e.log = kept

	out := storage.WindowCount{Count: len(e.log)}
	if len(e.log) < limit {
		e.log = append(e.log, logEntry{member: member, at: now})
		out.Count = len(e.log)
		out.Added = true
	}
	for i, le := range e.log {
		if i == 0 || le.at.Before(out.Oldest) {
			out.Oldest = le.at
		}
	}
	e.expiresAt = s.expiry(window)
	return out, nil
}

// Len returns the number of live keys
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for k, e := range s.items {
		if e.expired(now) {
			s.remove(k)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired keys", "count", cleaned)
	}
}

// ============================================================
// Instrumentation
// ============================================================

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
	if errp != nil && *errp != nil {
		result = "error"
		instrumentation.RecordError(span, *errp)
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}
