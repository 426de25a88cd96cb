package attempts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/storage/memory"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newStore() (*memory.KV, *clock) {
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	kv := memory.NewKV()
	kv.SetClock(c.Now)
	return kv, c
}

func TestLimiter_LocksAfterMaxFailures(t *testing.T) {
	kv, _ := newStore()
	l := NewLimiter(kv, "totp", DefaultPolicy, nil)
	ctx := context.Background()

	for i := 1; i < 5; i++ {
		err := l.Fail(ctx, "owner")
		require.ErrorIs(t, err, ErrAuthorizationFailed)
		var fe *FailedError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, 5-i, fe.Remaining)
	}

	err := l.Fail(ctx, "owner")
	require.ErrorIs(t, err, ErrAuthorizationLocked)
	assert.False(t, errors.Is(err, ErrAuthorizationFailed))

	err = l.Check(ctx, "owner")
	assert.ErrorIs(t, err, ErrAuthorizationLocked)

	// The counter is reset when the lock starts.
	_, err = kv.Get(ctx, l.counterKey("owner"))
	assert.Error(t, err)
}

func TestLimiter_LockExpires(t *testing.T) {
	kv, c := newStore()
	l := NewLimiter(kv, "question", DefaultPolicy, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = l.Fail(ctx, "owner")
	}
	locked, remaining, err := l.Locked(ctx, "owner")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, 30*time.Minute, remaining)

	c.now = c.now.Add(29 * time.Minute)
	assert.ErrorIs(t, l.Check(ctx, "owner"), ErrAuthorizationLocked)

	c.now = c.now.Add(time.Minute)
	assert.NoError(t, l.Check(ctx, "owner"))
}

func TestLimiter_CounterWindowExpires(t *testing.T) {
	kv, c := newStore()
	l := NewLimiter(kv, "password", DefaultPolicy, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = l.Fail(ctx, "owner")
	}
	c.now = c.now.Add(5 * time.Minute)

	err := l.Fail(ctx, "owner")
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 4, fe.Remaining, "failures outside the window are forgotten")
}

func TestLimiter_ResetClearsCounter(t *testing.T) {
	kv, _ := newStore()
	l := NewLimiter(kv, "totp", DefaultPolicy, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = l.Fail(ctx, "owner")
	}
	require.NoError(t, l.Reset(ctx, "owner"))

	err := l.Fail(ctx, "owner")
	var fe *FailedError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 4, fe.Remaining)
}

func TestLimiter_LayersAreIndependent(t *testing.T) {
	kv, _ := newStore()
	q := NewLimiter(kv, "question", DefaultPolicy, nil)
	p := NewLimiter(kv, "password", DefaultPolicy, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = q.Fail(ctx, "owner")
	}
	assert.ErrorIs(t, q.Check(ctx, "owner"), ErrAuthorizationLocked)
	assert.NoError(t, p.Check(ctx, "owner"))
	assert.NoError(t, q.Check(ctx, "other-owner"))
}

func TestRateLimiter(t *testing.T) {
	kv, c := newStore()
	r := NewRateLimiter(kv, map[string]Rule{"buy": {Limit: 3, Window: time.Minute}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Allow(ctx, "owner", "buy"))
	}
	assert.ErrorIs(t, r.Allow(ctx, "owner", "buy"), ErrRateLimited)
	assert.NoError(t, r.Allow(ctx, "other", "buy"))
	assert.NoError(t, r.Allow(ctx, "owner", "unlisted"))

	c.now = c.now.Add(time.Minute)
	assert.NoError(t, r.Allow(ctx, "owner", "buy"))
}
