package domain

import (
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrRouteNotFound signals that no liquidity path exists for a pair. It is
// distinct from transport failures while asking for a quote.
var ErrRouteNotFound = errors.New("no route found")

// Route is a quoted swap path.
type Route struct {
	InputMint      string          `json:"input_mint"`
	OutputMint     string          `json:"output_mint"`
	InAmount       uint64          `json:"in_amount"`
	OutAmount      uint64          `json:"out_amount"`
	MinOutAmount   uint64          `json:"min_out_amount"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	SlippageBps    int             `json:"slippage_bps"`
	// Raw is the provider's quote payload, passed back when building the swap.
	Raw json.RawMessage `json:"raw,omitempty"`
}
