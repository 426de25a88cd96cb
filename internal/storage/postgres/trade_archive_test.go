package postgres

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage"
)

func createTestArchivedTrade(id, owner string, state domain.TradeState, updated time.Time) (*domain.TradeIntent, *domain.TradeRecord) {
	intent := &domain.TradeIntent{
		ID:          id,
		Owner:       owner,
		Side:        domain.TradeSideBuy,
		InputMint:   domain.WrappedSOLMint,
		OutputMint:  "TokenMint111",
		Amount:      250_000_000,
		SlippageBps: 100,
		Source:      domain.TradeSourceDCA,
		SourceRef:   "order-1",
		CreatedAt:   updated.Add(-time.Minute),
	}
	rec := &domain.TradeRecord{
		IntentID:  id,
		Owner:     owner,
		State:     state,
		Route:     `{"outAmount":"1000"}`,
		CreatedAt: updated.Add(-time.Minute),
		UpdatedAt: updated,
	}
	if state == domain.TradeStateConfirmed {
		rec.Signature = "5sig" + id
	} else {
		rec.ErrorCode = domain.TradeErrSimulationFailed
		rec.Error = "simulation failed"
	}
	return intent, rec
}

func TestTradeArchive_ArchiveAndGet(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	store := NewTradeArchive(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	intent, rec := createTestArchivedTrade("trade-001", "owner-1", domain.TradeStateConfirmed, now)

	err := store.Archive(ctx, intent, rec)
	require.NoError(t, err)

	got, err := store.GetByIntentID(ctx, "trade-001")
	require.NoError(t, err)

	assert.Equal(t, rec.IntentID, got.IntentID)
	assert.Equal(t, rec.Owner, got.Owner)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.Route, got.Route)
	assert.Equal(t, rec.Signature, got.Signature)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))
}

func TestTradeArchive_LargeAmount(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	store := NewTradeArchive(pool)

	intent, rec := createTestArchivedTrade("trade-big", "owner-1", domain.TradeStateConfirmed, time.Now().UTC())
	intent.Amount = math.MaxUint64

	require.NoError(t, store.Archive(ctx, intent, rec))
}

func TestTradeArchive_DuplicateKey(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	store := NewTradeArchive(pool)

	intent, rec := createTestArchivedTrade("trade-dup", "owner-1", domain.TradeStateFailed, time.Now().UTC())
	require.NoError(t, store.Archive(ctx, intent, rec))

	err := store.Archive(ctx, intent, rec)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestTradeArchive_RejectsNonTerminal(t *testing.T) {
	store := NewTradeArchive(nil)
	intent, rec := createTestArchivedTrade("trade-x", "owner-1", domain.TradeStateSent, time.Now())

	err := store.Archive(context.Background(), intent, rec)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestTradeArchive_NotFound(t *testing.T) {
	pool := newTestPool(t)

	store := NewTradeArchive(pool)

	_, err := store.GetByIntentID(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTradeArchive_ListByOwner(t *testing.T) {
	pool := newTestPool(t)

	ctx := context.Background()
	store := NewTradeArchive(pool)

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"t1", "t2", "t3"} {
		intent, rec := createTestArchivedTrade(id, "owner-1", domain.TradeStateConfirmed, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.Archive(ctx, intent, rec))
	}
	intent, rec := createTestArchivedTrade("other", "owner-2", domain.TradeStateConfirmed, base)
	require.NoError(t, store.Archive(ctx, intent, rec))

	got, err := store.ListByOwner(ctx, "owner-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t3", got[0].IntentID)
	assert.Equal(t, "t2", got[1].IntentID)
}
