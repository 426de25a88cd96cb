package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage"
)

func TestPriceObservationStore_InsertBulk(t *testing.T) {
	conn := newTestConn(t)

	store := NewPriceObservationStore(conn)
	ctx := context.Background()

	err := store.InsertBulk(ctx, nil)
	assert.NoError(t, err)

	at := time.UnixMilli(1_700_000_000_000).UTC()
	obs := []*domain.PriceObservation{
		{
			Mint:         "mint-1",
			ObservedAt:   at,
			PriceUSD:     decimal.RequireFromString("0.000012345678901234"),
			LiquidityUSD: decimal.RequireFromString("15234.55"),
			Source:       "dexscreener",
		},
	}
	require.NoError(t, store.InsertBulk(ctx, obs))

	got, err := store.GetByTimeRange(ctx, "mint-1", at, at)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].ObservedAt.Equal(at))
	assert.True(t, got[0].PriceUSD.Equal(obs[0].PriceUSD), "price keeps full precision")
	assert.True(t, got[0].LiquidityUSD.Equal(obs[0].LiquidityUSD))
	assert.Equal(t, "dexscreener", got[0].Source)
}

func TestPriceObservationStore_InsertBulk_DuplicateKey(t *testing.T) {
	conn := newTestConn(t)

	store := NewPriceObservationStore(conn)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	o := &domain.PriceObservation{Mint: "mint-1", ObservedAt: at, PriceUSD: decimal.NewFromInt(1), LiquidityUSD: decimal.NewFromInt(1)}

	require.NoError(t, store.InsertBulk(ctx, []*domain.PriceObservation{o}))

	err := store.InsertBulk(ctx, []*domain.PriceObservation{o})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	err = store.InsertBulk(ctx, []*domain.PriceObservation{
		{Mint: "mint-2", ObservedAt: at},
		{Mint: "mint-2", ObservedAt: at},
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestPriceObservationStore_GetByTimeRange(t *testing.T) {
	conn := newTestConn(t)

	store := NewPriceObservationStore(conn)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000).UTC()
	var obs []*domain.PriceObservation
	for i := 0; i < 5; i++ {
		obs = append(obs, &domain.PriceObservation{
			Mint:         "mint-1",
			ObservedAt:   base.Add(time.Duration(i) * 12 * time.Second),
			PriceUSD:     decimal.NewFromInt(int64(10 - i)),
			LiquidityUSD: decimal.NewFromInt(6000),
			Source:       "dexscreener",
		})
	}
	require.NoError(t, store.InsertBulk(ctx, obs))

	got, err := store.GetByTimeRange(ctx, "mint-1", base.Add(12*time.Second), base.Add(36*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].PriceUSD.Equal(decimal.NewFromInt(9)))
	assert.True(t, got[2].PriceUSD.Equal(decimal.NewFromInt(7)))
}
