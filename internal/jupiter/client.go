// Package jupiter quotes swaps and builds unsigned swap transactions through
// the Jupiter aggregator API.
package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"solana-custody/internal/domain"
	"solana-custody/internal/observability"
)

// Default configuration values.
const (
	DefaultBaseURL    = "https://quote-api.jup.ag/v6"
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryDelay = 500 * time.Millisecond
	DefaultMaxDelay   = 3 * time.Second
)

// Error codes Jupiter returns when a pair has no usable liquidity.
var noRouteCodes = map[string]bool{
	"COULD_NOT_FIND_ANY_ROUTE": true,
	"NO_ROUTES_FOUND":          true,
	"TOKEN_NOT_TRADABLE":       true,
}

// Client talks to the Jupiter quote and swap endpoints.
type Client struct {
	http    *resty.Client
	log     logrus.FieldLogger
	metrics *observability.Metrics
}

// Option configures Client.
type Option func(*resty.Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries sets the retry count and initial wait.
func WithRetries(n int, wait time.Duration) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(n).SetRetryWaitTime(wait)
	}
}

// New creates a Client. An empty baseURL selects the public endpoint.
func New(baseURL string, log logrus.FieldLogger, metrics *observability.Metrics, opts ...Option) *Client {
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
		SetRetryCount(DefaultMaxRetries).
		SetRetryWaitTime(DefaultRetryDelay).
		SetRetryMaxWaitTime(DefaultMaxDelay).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	for _, opt := range opts {
		opt(hc)
	}

	return &Client{
		http:    hc,
		log:     log.WithField("component", "jupiter"),
		metrics: metrics,
	}
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// Quote asks for the best route. No liquidity yields domain.ErrRouteNotFound;
// anything else is a transport or decoding failure.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*domain.Route, error) {
	start := time.Now()
	defer func() { c.metrics.RecordHTTPLatency("jupiter", "quote", time.Since(start)) }()

	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":        inputMint,
			"outputMint":       outputMint,
			"amount":           strconv.FormatUint(amount, 10),
			"slippageBps":      strconv.Itoa(slippageBps),
			"onlyDirectRoutes": "false",
		}).
		SetError(&apiErr).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: %w", err)
	}

	if resp.IsError() {
		if noRouteCodes[apiErr.ErrorCode] {
			return nil, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, apiErr.ErrorCode)
		}
		return nil, fmt.Errorf("jupiter quote: status %d: %s", resp.StatusCode(), apiErr.Error)
	}

	body := resp.Body()
	var q quoteResponse
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, fmt.Errorf("jupiter quote: decode: %w", err)
	}

	route, err := toRoute(q, body)
	if err != nil {
		return nil, err
	}
	if route.OutAmount == 0 {
		return nil, fmt.Errorf("%w: zero output", domain.ErrRouteNotFound)
	}

	c.log.WithFields(logrus.Fields{
		"input_mint":  inputMint,
		"output_mint": outputMint,
		"in_amount":   route.InAmount,
		"out_amount":  route.OutAmount,
	}).Debug("quote received")
	return route, nil
}

func toRoute(q quoteResponse, raw []byte) (*domain.Route, error) {
	in, err := parseAmount(q.InAmount)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: inAmount: %w", err)
	}
	out, err := parseAmount(q.OutAmount)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: outAmount: %w", err)
	}
	minOut, err := parseAmount(q.OtherAmountThreshold)
	if err != nil {
		return nil, fmt.Errorf("jupiter quote: otherAmountThreshold: %w", err)
	}
	impact := decimal.Zero
	if q.PriceImpactPct != "" {
		impact, err = decimal.NewFromString(q.PriceImpactPct)
		if err != nil {
			return nil, fmt.Errorf("jupiter quote: priceImpactPct: %w", err)
		}
	}
	return &domain.Route{
		InputMint:      q.InputMint,
		OutputMint:     q.OutputMint,
		InAmount:       in,
		OutAmount:      out,
		MinOutAmount:   minOut,
		PriceImpactPct: impact,
		SlippageBps:    q.SlippageBps,
		Raw:            json.RawMessage(raw),
	}, nil
}

func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// BuildSwap returns the unsigned base64 transaction for route, paid by userPubkey.
func (c *Client) BuildSwap(ctx context.Context, route *domain.Route, userPubkey string) (string, error) {
	if route == nil || len(route.Raw) == 0 {
		return "", fmt.Errorf("jupiter swap: route has no quote payload")
	}

	start := time.Now()
	defer func() { c.metrics.RecordHTTPLatency("jupiter", "swap", time.Since(start)) }()

	var out swapResponse
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(swapRequest{
			QuoteResponse:             route.Raw,
			UserPublicKey:             userPubkey,
			WrapAndUnwrapSol:          true,
			DynamicComputeUnitLimit:   true,
			PrioritizationFeeLamports: "auto",
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/swap")
	if err != nil {
		return "", fmt.Errorf("jupiter swap: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("jupiter swap: status %d: %s", resp.StatusCode(), apiErr.Error)
	}
	if out.SwapTransaction == "" {
		return "", fmt.Errorf("jupiter swap: empty transaction")
	}
	return out.SwapTransaction, nil
}
