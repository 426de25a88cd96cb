package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes scheduler order families.
type OrderType string

const (
	OrderTypeDCA   OrderType = "DCA"
	OrderTypeLimit OrderType = "LIMIT"
	OrderTypeAlert OrderType = "ALERT"
)

// PriceCondition compares the observed price with a target.
type PriceCondition string

const (
	ConditionLTE PriceCondition = "LTE"
	ConditionGTE PriceCondition = "GTE"
)

// Holds reports whether price satisfies the condition against target.
func (c PriceCondition) Holds(price, target decimal.Decimal) bool {
	switch c {
	case ConditionLTE:
		return price.LessThanOrEqual(target)
	case ConditionGTE:
		return price.GreaterThanOrEqual(target)
	}
	return false
}

// LimitKind is the limit order subtype.
type LimitKind string

const (
	LimitKindBuy          LimitKind = "BUY"
	LimitKindTakeProfit   LimitKind = "TAKE_PROFIT"
	LimitKindStopLoss     LimitKind = "STOP_LOSS"
	LimitKindTrailingStop LimitKind = "TRAILING_STOP"
)

// Side returns the trade direction a triggered order submits.
func (k LimitKind) Side() TradeSide {
	if k == LimitKindBuy {
		return TradeSideBuy
	}
	return TradeSideSell
}

// OrderBase holds fields common to every scheduled order.
type OrderBase struct {
	ID        string    `json:"id"`
	Type      OrderType `json:"type"`
	Owner     string    `json:"owner"`
	Mint      string    `json:"mint"`
	Amount    uint64    `json:"amount"` // lamports for buys, token base units for sells
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// DCAOrder buys Mint for Amount lamports every Interval.
type DCAOrder struct {
	OrderBase
	Interval    time.Duration `json:"interval"`
	NextRunAt   time.Time     `json:"next_run_at"`
	Runs        int           `json:"runs"`
	Attempts    int           `json:"attempts"` // submissions, including ones cancelled on lock contention
	LastRunAt   time.Time     `json:"last_run_at,omitempty"`
	LastTradeID string        `json:"last_trade_id,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// LimitOrder fires a single trade when its price condition holds for
// Debounce consecutive checks.
type LimitOrder struct {
	OrderBase
	Kind            LimitKind       `json:"kind"`
	Condition       PriceCondition  `json:"condition"`
	TargetPrice     decimal.Decimal `json:"target_price"`
	TrailPct        decimal.Decimal `json:"trail_pct"` // 0.10 = 10%, trailing stop only
	PeakPrice       decimal.Decimal `json:"peak_price"`
	Debounce        int             `json:"debounce"`
	ConsecutiveHits int             `json:"consecutive_hits"`
	LastCheckedAt   time.Time       `json:"last_checked_at,omitempty"`
	LastPrice       decimal.Decimal `json:"last_price"`
	TriggeredAt     time.Time       `json:"triggered_at,omitempty"`
	TradeID         string          `json:"trade_id,omitempty"`
	TriggerError    string          `json:"trigger_error,omitempty"`
}

// PriceAlert notifies the owner once when the price condition holds.
type PriceAlert struct {
	OrderBase
	Condition   PriceCondition  `json:"condition"`
	TargetPrice decimal.Decimal `json:"target_price"`
	TriggeredAt time.Time       `json:"triggered_at,omitempty"`
}
