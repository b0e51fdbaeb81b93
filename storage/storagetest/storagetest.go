// Package storagetest provides a conformance suite that every storage.KV
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/storage"
)

// RunKVTests runs the conformance suite against stores produced by newKV.
// newKV is called once per subtest and must return an empty store.
func RunKVTests(t *testing.T, newKV func(t *testing.T) storage.KV) {
	t.Run("GetMissing", func(t *testing.T) {
		kv := newKV(t)
		_, err := kv.Get(context.Background(), "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "expected ErrNotFound, got %v", err)
	})

	t.Run("SetGet", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		require.NoError(t, kv.Set(ctx, "k", []byte("v1"), 0))
		got, err := kv.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		require.NoError(t, kv.Set(ctx, "k", []byte("v2"), time.Minute))
		got, err = kv.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("TTLExpires", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		require.NoError(t, kv.Set(ctx, "short", []byte("v"), 1100*time.Millisecond))
		time.Sleep(1500 * time.Millisecond)
		_, err := kv.Get(ctx, "short")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "expected expiry, got %v", err)
	})

	t.Run("SetNX", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		ok, err := kv.SetNX(ctx, "nx", []byte("first"), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = kv.SetNX(ctx, "nx", []byte("second"), 0)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := kv.Get(ctx, "nx")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)
	})

	t.Run("GetDel", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		require.NoError(t, kv.Set(ctx, "code", []byte("payload"), time.Minute))

		got, err := kv.GetDel(ctx, "code")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), got)

		_, err = kv.GetDel(ctx, "code")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("GetDelConcurrentSingleWinner", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		require.NoError(t, kv.Set(ctx, "race", []byte("once"), time.Minute))

		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := kv.GetDel(ctx, "race"); err == nil {
					wins.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		require.NoError(t, kv.Set(ctx, "cad", []byte("v1"), time.Minute))

		ok, err := kv.CompareAndDelete(ctx, "cad", []byte("other"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = kv.CompareAndDelete(ctx, "cad", []byte("v1"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = kv.CompareAndDelete(ctx, "cad", []byte("v1"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Del", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		require.NoError(t, kv.Set(ctx, "a", []byte("1"), 0))
		require.NoError(t, kv.Set(ctx, "b", []byte("2"), 0))
		require.NoError(t, kv.Del(ctx, "a", "b", "never-existed"))

		_, err := kv.Get(ctx, "a")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
		_, err = kv.Get(ctx, "b")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("Incr", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		for i := int64(1); i <= 3; i++ {
			n, err := kv.Incr(ctx, "counter", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
		raw, err := kv.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, "3", string(raw))
	})

	t.Run("IncrConcurrent", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		const workers = 50
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = kv.Incr(ctx, "parallel", time.Minute)
			}()
		}
		wg.Wait()
		raw, err := kv.Get(ctx, "parallel")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers), string(raw))
	})

	t.Run("IncrTTLOnlyOnCreate", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		_, err := kv.Incr(ctx, "window", 1100*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(600 * time.Millisecond)
		_, err = kv.Incr(ctx, "window", 1100*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(900 * time.Millisecond)
		n, err := kv.Incr(ctx, "window", 1100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "counter must expire relative to its first increment")
	})

	t.Run("Sets", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		members, err := kv.SMembers(ctx, "set")
		require.NoError(t, err)
		assert.Empty(t, members)

		require.NoError(t, kv.SAdd(ctx, "set", time.Minute, "b", "a"))
		require.NoError(t, kv.SAdd(ctx, "set", time.Minute, "a", "c"))
		members, err = kv.SMembers(ctx, "set")
		require.NoError(t, err)
		sort.Strings(members)
		assert.Equal(t, []string{"a", "b", "c"}, members)

		require.NoError(t, kv.SRem(ctx, "set", "a", "missing"))
		members, err = kv.SMembers(ctx, "set")
		require.NoError(t, err)
		sort.Strings(members)
		assert.Equal(t, []string{"b", "c"}, members)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()

		ok, err := kv.CompareAndSwap(ctx, "cas", []byte("v1"), []byte("v2"), 0)
		require.NoError(t, err)
		assert.False(t, ok, "missing key is never swapped")

		require.NoError(t, kv.Set(ctx, "cas", []byte("v1"), time.Minute))
		ok, err = kv.CompareAndSwap(ctx, "cas", []byte("other"), []byte("v2"), 0)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = kv.CompareAndSwap(ctx, "cas", []byte("v1"), []byte("v2"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := kv.Get(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("CompareAndSwapConcurrent", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		require.NoError(t, kv.Set(ctx, "counter", []byte("0"), time.Minute))

		// each worker retries until its increment lands
		const workers = 8
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					raw, err := kv.Get(ctx, "counter")
					if !assert.NoError(t, err) {
						return
					}
					n, _ := strconv.Atoi(string(raw))
					ok, err := kv.CompareAndSwap(ctx, "counter", raw, []byte(strconv.Itoa(n+1)), time.Minute)
					if !assert.NoError(t, err) || ok {
						return
					}
				}
			}()
		}
		wg.Wait()

		got, err := kv.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers), string(got))
	})

	t.Run("WindowAdd", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		base := time.Now().Truncate(time.Second)
		window := time.Minute

		for i := range 3 {
			wc, err := kv.WindowAdd(ctx, "log", "m"+strconv.Itoa(i), base.Add(time.Duration(i)*time.Second), window, 3)
			require.NoError(t, err)
			assert.True(t, wc.Added)
			assert.Equal(t, i+1, wc.Count)
			assert.True(t, wc.Oldest.Equal(base), "oldest entry is the first one")
		}

		wc, err := kv.WindowAdd(ctx, "log", "m3", base.Add(10*time.Second), window, 3)
		require.NoError(t, err)
		assert.False(t, wc.Added, "a full window rejects")
		assert.Equal(t, 3, wc.Count)

		// the first entry leaves the window exactly window after it was added
		wc, err = kv.WindowAdd(ctx, "log", "m4", base.Add(window), window, 3)
		require.NoError(t, err)
		assert.True(t, wc.Added)
		assert.Equal(t, 3, wc.Count)
		assert.True(t, wc.Oldest.Equal(base.Add(time.Second)))

		wc, err = kv.WindowAdd(ctx, "log", "m5", base.Add(10*time.Minute), window, 3)
		require.NoError(t, err)
		assert.True(t, wc.Added)
		assert.Equal(t, 1, wc.Count)
	})

	t.Run("WindowAddConcurrent", func(t *testing.T) {
		kv := newKV(t)
		ctx := context.Background()
		now := time.Now()

		const workers, limit = 30, 10
		var added atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				wc, err := kv.WindowAdd(ctx, "burst", "m"+strconv.Itoa(i), now, time.Minute, limit)
				if err == nil && wc.Added {
					added.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(limit), added.Load())
	})

	t.Run("Ping", func(t *testing.T) {
		kv := newKV(t)
		assert.NoError(t, kv.Ping(context.Background()))
	})
}
