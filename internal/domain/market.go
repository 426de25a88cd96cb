package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceObservation is one price/liquidity sample taken by the limit scheduler.
type PriceObservation struct {
	Mint         string
	ObservedAt   time.Time
	PriceUSD     decimal.Decimal
	LiquidityUSD decimal.Decimal
	Source       string
}
