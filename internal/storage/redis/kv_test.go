package redis

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/storage"
)

func newTestKV(t *testing.T) (*KV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewKV(client), mr
}

func TestKV_GetSetTTL(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", "v", time.Minute))
	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ttl, err := kv.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	require.NoError(t, kv.Set(ctx, "forever", "v", 0))
	ttl, err = kv.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Zero(t, ttl)

	_, err = kv.TTL(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	mr.FastForward(time.Minute)
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKV_SetNX(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetNX(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Second)
	ok, err = kv.SetNX(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKV_IncrExpire(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()

	n, err := kv.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, kv.Expire(ctx, "ctr", 5*time.Minute))

	n, err = kv.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.FastForward(5 * time.Minute)
	n, err = kv.Incr(ctx, "ctr")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter restarts after its window expires")
}

func TestKV_SetsHashesLists(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.SAdd(ctx, "s", "a", "b"))
	ok, err := kv.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := kv.SRem(ctx, "s", "a")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = kv.SRem(ctx, "s", "a")
	require.NoError(t, err)
	assert.False(t, removed)

	members, err := kv.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	require.NoError(t, kv.HSet(ctx, "h", map[string]string{"route": "{}", "signature": "sig"}))
	h, err := kv.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"route": "{}", "signature": "sig"}, h)

	empty, err := kv.HGetAll(ctx, "nohash")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, kv.LPush(ctx, "l", "1", "2"))
	require.NoError(t, kv.LPush(ctx, "l", "3"))
	vals, err := kv.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2", "1"}, vals)

	_, err = kv.Get(ctx, "s")
	assert.ErrorIs(t, err, storage.ErrWrongType)
}

func TestKV_Apply(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "secret", "old", 0))
	require.NoError(t, kv.SAdd(ctx, "backup", "o1", "o2"))

	err := kv.Apply(ctx, func(b storage.Batch) {
		b.Del("secret", "backup")
		b.Set("secret", "new", 0)
		b.SAdd("backup", "n1", "n2")
		b.HSet("meta", map[string]string{"rotated": "1"})
	})
	require.NoError(t, err)

	v, err := kv.Get(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	members, err := kv.SMembers(ctx, "backup")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"n1", "n2"}, members)
}

func TestKV_CompareAndSwap(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "state", "INIT", time.Hour))

	ok, err := kv.CompareAndSwap(ctx, "state", "QUOTED", "SENT")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = kv.CompareAndSwap(ctx, "state", "INIT", "VALIDATED")
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := kv.Get(ctx, "state")
	assert.Equal(t, "VALIDATED", v)

	ttl, err := kv.TTL(ctx, "state")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl, "CAS keeps the existing TTL")

	ok, err = kv.CompareAndSwap(ctx, "missing", "", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKV_CompareAndSwap_SingleWinner(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "state", "SIMULATED", 0))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := kv.CompareAndSwap(ctx, "state", "SIMULATED", "SENT")
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestKV_CompareAndDelete(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "lock", "token-a", time.Minute))

	ok, err := kv.CompareAndDelete(ctx, "lock", "token-b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = kv.CompareAndDelete(ctx, "lock", "token-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.CompareAndDelete(ctx, "lock", "token-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKV_SetIfMember(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.SAdd(ctx, "active", "o1"))

	ok, err := kv.SetIfMember(ctx, "order:o1", "v1", "active", "o1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = kv.SRem(ctx, "active", "o1")
	require.NoError(t, err)

	ok, err = kv.SetIfMember(ctx, "order:o1", "v2", "active", "o1")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := kv.Get(ctx, "order:o1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestKV_Unavailable(t *testing.T) {
	kv, mr := newTestKV(t)
	mr.Close()

	err := kv.Set(context.Background(), "k", "v", 0)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}
