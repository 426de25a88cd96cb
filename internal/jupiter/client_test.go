package jupiter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody/internal/domain"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	log, _ := test.NewNullLogger()
	return New(srv.URL, log, nil, WithRetries(2, time.Millisecond))
}

func TestQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, solMint, q.Get("inputMint"))
		assert.Equal(t, usdcMint, q.Get("outputMint"))
		assert.Equal(t, "100000000", q.Get("amount"))
		assert.Equal(t, "50", q.Get("slippageBps"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"inputMint": "` + solMint + `",
			"outputMint": "` + usdcMint + `",
			"inAmount": "100000000",
			"outAmount": "15234567",
			"otherAmountThreshold": "15158394",
			"priceImpactPct": "0.0012",
			"slippageBps": 50,
			"routePlan": [{"percent": 100}]
		}`))
	})

	route, err := c.Quote(context.Background(), solMint, usdcMint, 100_000_000, 50)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), route.InAmount)
	assert.Equal(t, uint64(15_234_567), route.OutAmount)
	assert.Equal(t, uint64(15_158_394), route.MinOutAmount)
	assert.Equal(t, "0.0012", route.PriceImpactPct.String())
	assert.Equal(t, 50, route.SlippageBps)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(route.Raw, &raw))
	assert.Contains(t, raw, "routePlan", "raw payload must be kept for the swap call")
}

func TestQuote_NoRoute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	})

	_, err := c.Quote(context.Background(), solMint, usdcMint, 1, 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRouteNotFound))
}

func TestQuote_ZeroOutputIsNoRoute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"inAmount":"1","outAmount":"0"}`))
	})

	_, err := c.Quote(context.Background(), solMint, usdcMint, 1, 50)
	assert.True(t, errors.Is(err, domain.ErrRouteNotFound))
}

func TestQuote_BadRequestIsNotNoRoute(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid mint","errorCode":"INVALID_MINT"}`))
	})

	_, err := c.Quote(context.Background(), solMint, "bad", 1, 50)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrRouteNotFound))
}

func TestQuote_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"inAmount":"10","outAmount":"20","otherAmountThreshold":"19"}`))
	})

	route, err := c.Quote(context.Background(), solMint, usdcMint, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), route.OutAmount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQuote_RetriesExhausted(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Quote(context.Background(), solMint, usdcMint, 10, 100)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrRouteNotFound))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBuildSwap(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/swap", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "UserPubkey111", body["userPublicKey"])
		assert.Equal(t, true, body["wrapAndUnwrapSol"])
		quote, ok := body["quoteResponse"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "5", quote["outAmount"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"swapTransaction":"AQID","lastValidBlockHeight":123}`))
	})

	route := &domain.Route{Raw: json.RawMessage(`{"outAmount":"5"}`)}
	tx, err := c.BuildSwap(context.Background(), route, "UserPubkey111")
	require.NoError(t, err)
	assert.Equal(t, "AQID", tx)
}

func TestBuildSwap_Errors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"stale quote"}`))
	})

	_, err := c.BuildSwap(context.Background(), &domain.Route{}, "pk")
	assert.Error(t, err, "route without payload")

	_, err = c.BuildSwap(context.Background(), &domain.Route{Raw: json.RawMessage(`{}`)}, "pk")
	assert.Error(t, err)
}
