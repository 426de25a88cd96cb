package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/domain"
	"solana-custody/internal/storage/memory"
)

const testMint = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"

func newTestDexScreener(t *testing.T, body string, status int) *DexScreener {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/"+testMint, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	log, _ := test.NewNullLogger()
	d := NewDexScreener(srv.URL, log, nil)
	d.http.SetRetryCount(0)
	d.SetClock(func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) })
	return d
}

func TestObserve_PrefersQuotedPools(t *testing.T) {
	body := `{"pairs":[
		{"chainId":"ethereum","priceUsd":"9.0","quoteToken":{"symbol":"USDC"},"liquidity":{"usd":9000000}},
		{"chainId":"solana","priceUsd":"1.10","quoteToken":{"symbol":"BONK"},"liquidity":{"usd":800000}},
		{"chainId":"solana","priceUsd":"1.01","quoteToken":{"symbol":"SOL"},"liquidity":{"usd":120000}},
		{"chainId":"solana","priceUsd":"1.02","quoteToken":{"symbol":"USDC"},"liquidity":{"usd":250000.5}}
	]}`
	d := newTestDexScreener(t, body, http.StatusOK)

	obs, err := d.Observe(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, "1.02", obs.PriceUSD.String())
	assert.Equal(t, "250000.5", obs.LiquidityUSD.String())
	assert.Equal(t, testMint, obs.Mint)
	assert.Equal(t, "dexscreener", obs.Source)
	assert.Equal(t, 2024, obs.ObservedAt.Year())
}

func TestObserve_FallsBackToAnySolanaPool(t *testing.T) {
	body := `{"pairs":[
		{"chainId":"solana","priceUsd":"0.5","quoteToken":{"symbol":"JUP"},"liquidity":{"usd":100}},
		{"chainId":"solana","priceUsd":"0.6","quoteToken":{"symbol":"RAY"},"liquidity":{"usd":900}}
	]}`
	d := newTestDexScreener(t, body, http.StatusOK)

	obs, err := d.Observe(context.Background(), testMint)
	require.NoError(t, err)
	assert.Equal(t, "0.6", obs.PriceUSD.String())
}

func TestObserve_NoMarket(t *testing.T) {
	for _, body := range []string{
		`{"pairs":null}`,
		`{"pairs":[{"chainId":"bsc","priceUsd":"1","quoteToken":{"symbol":"USDC"},"liquidity":{"usd":1}}]}`,
	} {
		d := newTestDexScreener(t, body, http.StatusOK)
		_, err := d.Observe(context.Background(), testMint)
		assert.True(t, errors.Is(err, ErrNoMarket), "body %s: %v", body, err)
	}
}

func TestObserve_HTTPError(t *testing.T) {
	d := newTestDexScreener(t, `{}`, http.StatusInternalServerError)
	_, err := d.Observe(context.Background(), testMint)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoMarket))
}

type fixedSource struct {
	obs *domain.PriceObservation
	err error
}

func (f fixedSource) Observe(context.Context, string) (*domain.PriceObservation, error) {
	return f.obs, f.err
}

func TestRecorder_StoresObservations(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewPriceObservationStore()
	log, _ := test.NewNullLogger()

	obs := &domain.PriceObservation{Mint: testMint, ObservedAt: at, Source: "dexscreener"}
	r := NewRecorder(fixedSource{obs: obs}, store, log)

	got, err := r.Observe(context.Background(), testMint)
	require.NoError(t, err)
	assert.Same(t, obs, got)

	// A duplicate insert is logged, not surfaced.
	_, err = r.Observe(context.Background(), testMint)
	require.NoError(t, err)

	stored, err := store.GetByTimeRange(context.Background(), testMint, at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRecorder_PassesThroughErrors(t *testing.T) {
	store := memory.NewPriceObservationStore()
	r := NewRecorder(fixedSource{err: ErrNoMarket}, store, nil)

	_, err := r.Observe(context.Background(), testMint)
	assert.True(t, errors.Is(err, ErrNoMarket))
}
