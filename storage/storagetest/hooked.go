package storagetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// HookedKV wraps a storage.KV for failure testing. Every operation fails
// with the context's error once the context is done, the way network
// backed stores behave, and optional hooks run around each operation.
type HookedKV struct {
	storage.KV

	mu     sync.Mutex
	before func(ctx context.Context, op, key string) error
	after  func(ctx context.Context, op, key string)
}

// NewHookedKV wraps kv
func NewHookedKV(kv storage.KV) *HookedKV {
	return &HookedKV{KV: kv}
}

// Before installs fn to run ahead of every operation. A non-nil error
// fails the operation without reaching the store. nil removes the hook.
func (h *HookedKV) Before(fn func(ctx context.Context, op, key string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = fn
}

// After installs fn to run once an operation returned. nil removes the hook.
func (h *HookedKV) After(fn func(ctx context.Context, op, key string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = fn
}

func (h *HookedKV) enter(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	fn := h.before
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, op, key)
	}
	return nil
}

func (h *HookedKV) leave(ctx context.Context, op, key string) {
	h.mu.Lock()
	fn := h.after
	h.mu.Unlock()
	if fn != nil {
		fn(ctx, op, key)
	}
}

func (h *HookedKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := h.enter(ctx, "Get", key); err != nil {
		return nil, err
	}
	defer h.leave(ctx, "Get", key)
	return h.KV.Get(ctx, key)
}

func (h *HookedKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := h.enter(ctx, "Set", key); err != nil {
		return err
	}
	defer h.leave(ctx, "Set", key)
	return h.KV.Set(ctx, key, value, ttl)
}

func (h *HookedKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := h.enter(ctx, "SetNX", key); err != nil {
		return false, err
	}
	defer h.leave(ctx, "SetNX", key)
	return h.KV.SetNX(ctx, key, value, ttl)
}

func (h *HookedKV) GetDel(ctx context.Context, key string) ([]byte, error) {
	if err := h.enter(ctx, "GetDel", key); err != nil {
		return nil, err
	}
	defer h.leave(ctx, "GetDel", key)
	return h.KV.GetDel(ctx, key)
}

func (h *HookedKV) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	if err := h.enter(ctx, "CompareAndDelete", key); err != nil {
		return false, err
	}
	defer h.leave(ctx, "CompareAndDelete", key)
	return h.KV.CompareAndDelete(ctx, key, expected)
}

func (h *HookedKV) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if err := h.enter(ctx, "CompareAndSwap", key); err != nil {
		return false, err
	}
	defer h.leave(ctx, "CompareAndSwap", key)
	return h.KV.CompareAndSwap(ctx, key, expected, value, ttl)
}

func (h *HookedKV) Del(ctx context.Context, keys ...string) error {
	joined := strings.Join(keys, " ")
	if err := h.enter(ctx, "Del", joined); err != nil {
		return err
	}
	defer h.leave(ctx, "Del", joined)
	return h.KV.Del(ctx, keys...)
}

func (h *HookedKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := h.enter(ctx, "Incr", key); err != nil {
		return 0, err
	}
	defer h.leave(ctx, "Incr", key)
	return h.KV.Incr(ctx, key, ttl)
}

func (h *HookedKV) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := h.enter(ctx, "SAdd", key); err != nil {
		return err
	}
	defer h.leave(ctx, "SAdd", key)
	return h.KV.SAdd(ctx, key, ttl, members...)
}

func (h *HookedKV) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := h.enter(ctx, "SMembers", key); err != nil {
		return nil, err
	}
	defer h.leave(ctx, "SMembers", key)
	return h.KV.SMembers(ctx, key)
}

func (h *HookedKV) SRem(ctx context.Context, key string, members ...string) error {
	if err := h.enter(ctx, "SRem", key); err != nil {
		return err
	}
	defer h.leave(ctx, "SRem", key)
	return h.KV.SRem(ctx, key, members...)
}

func (h *HookedKV) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (storage.WindowCount, error) {
	if err := h.enter(ctx, "WindowAdd", key); err != nil {
		return storage.WindowCount{}, err
	}
	defer h.leave(ctx, "WindowAdd", key)
	return h.KV.WindowAdd(ctx, key, member, now, window, limit)
}

func (h *HookedKV) Ping(ctx context.Context) error {
	if err := h.enter(ctx, "Ping", ""); err != nil {
		return err
	}
	defer h.leave(ctx, "Ping", "")
	return h.KV.Ping(ctx)
}
