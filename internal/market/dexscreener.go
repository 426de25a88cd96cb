// Package market samples token prices and liquidity for the limit scheduler.
package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/observability"
)

const (
	DefaultBaseURL = "https://api.dexscreener.com"
	DefaultTimeout = 8 * time.Second

	sourceDexScreener = "dexscreener"
	chainSolana       = "solana"
)

// ErrNoMarket is returned when a mint has no Solana pair.
var ErrNoMarket = errors.New("no market for mint")

// PriceSource returns a fresh price and liquidity sample for a mint.
type PriceSource interface {
	Observe(ctx context.Context, mint string) (*domain.PriceObservation, error)
}

// preferredQuotes are the quote tokens whose pools give the most reliable price.
var preferredQuotes = map[string]bool{"SOL": true, "WSOL": true, "USDC": true}

// DexScreener reads pair data from the DexScreener token endpoint.
type DexScreener struct {
	http    *resty.Client
	log     logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDexScreener creates a client. An empty baseURL selects the public API.
func NewDexScreener(baseURL string, log logrus.FieldLogger, metrics *observability.Metrics) *DexScreener {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultTimeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &DexScreener{
		http:    hc,
		log:     log.WithField("component", "dexscreener"),
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock overrides the observation timestamp source. Intended for tests.
func (d *DexScreener) SetClock(now func() time.Time) { d.now = now }

type pairsResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	PriceUsd    string `json:"priceUsd"`
	QuoteToken  struct {
		Symbol string `json:"symbol"`
	} `json:"quoteToken"`
	Liquidity struct {
		Usd float64 `json:"usd"`
	} `json:"liquidity"`
}

// Observe returns the price of the deepest preferred Solana pool for mint.
func (d *DexScreener) Observe(ctx context.Context, mint string) (*domain.PriceObservation, error) {
	start := time.Now()
	defer func() { d.metrics.RecordHTTPLatency(sourceDexScreener, "tokens", time.Since(start)) }()

	var out pairsResponse
	resp, err := d.http.R().
		SetContext(ctx).
		SetPathParam("mint", mint).
		SetResult(&out).
		Get("/latest/dex/tokens/{mint}")
	if err != nil {
		return nil, fmt.Errorf("dexscreener %s: %w", mint, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("dexscreener %s: status %d", mint, resp.StatusCode())
	}

	best := pickBestPair(out.Pairs)
	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMarket, mint)
	}

	price, err := decimal.NewFromString(best.PriceUsd)
	if err != nil {
		return nil, fmt.Errorf("dexscreener %s: price %q: %w", mint, best.PriceUsd, err)
	}

	d.log.WithFields(logrus.Fields{
		"mint":      mint,
		"pair":      best.PairAddress,
		"price_usd": best.PriceUsd,
	}).Debug("price observed")

	return &domain.PriceObservation{
		Mint:         mint,
		ObservedAt:   d.now().UTC(),
		PriceUSD:     price,
		LiquidityUSD: decimal.NewFromFloat(best.Liquidity.Usd),
		Source:       sourceDexScreener,
	}, nil
}

// pickBestPair prefers SOL, WSOL and USDC quoted Solana pools with the
// highest liquidity, falling back to any Solana pool.
func pickBestPair(pairs []pair) *pair {
	var preferred, solana []pair
	for _, p := range pairs {
		if p.ChainID != chainSolana || p.PriceUsd == "" {
			continue
		}
		solana = append(solana, p)
		if preferredQuotes[p.QuoteToken.Symbol] {
			preferred = append(preferred, p)
		}
	}
	candidates := preferred
	if len(candidates) == 0 {
		candidates = solana
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Liquidity.Usd > candidates[j].Liquidity.Usd
	})
	return &candidates[0]
}

var _ PriceSource = (*DexScreener)(nil)
