package balance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/domain"
	"solana-custody/internal/solana/stub"
	"solana-custody/internal/storage/memory"
)

const (
	account = "Acct1111111111111111111111111111111111111111"
	mint    = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

func TestBalance_CachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	rpc := stub.NewRPCClient()
	rpc.Balances[account] = 5 * domain.LamportsPerSOL
	kv := memory.NewKV()
	svc := New(rpc, kv, time.Minute, nil)

	got, err := svc.Balance(ctx, account, domain.WrappedSOLMint)
	require.NoError(t, err)
	assert.Equal(t, uint64(5*domain.LamportsPerSOL), got)

	rpc.Balances[account] = 1
	got, err = svc.Balance(ctx, account, domain.WrappedSOLMint)
	require.NoError(t, err)
	assert.Equal(t, uint64(5*domain.LamportsPerSOL), got, "served from cache")

	require.NoError(t, svc.Invalidate(ctx, account))
	got, err = svc.Balance(ctx, account, domain.WrappedSOLMint)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
}

func TestBalance_TokenMint(t *testing.T) {
	ctx := context.Background()
	rpc := stub.NewRPCClient()
	rpc.SetTokenBalance(account, mint, 42)
	svc := New(rpc, memory.NewKV(), 0, nil)

	got, err := svc.Balance(ctx, account, mint)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)

	sol, err := svc.Balance(ctx, account, domain.WrappedSOLMint)
	require.NoError(t, err)
	assert.Zero(t, sol)
}

func TestBalance_Expires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	kv := memory.NewKV()
	kv.SetClock(func() time.Time { return now })

	rpc := stub.NewRPCClient()
	rpc.Balances[account] = 10
	svc := New(rpc, kv, DefaultTTL, nil)

	_, err := svc.Balance(ctx, account, domain.WrappedSOLMint)
	require.NoError(t, err)

	rpc.Balances[account] = 20
	now = now.Add(DefaultTTL + time.Second)
	got, err := svc.Balance(ctx, account, domain.WrappedSOLMint)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got)
}
