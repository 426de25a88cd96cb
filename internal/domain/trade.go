package domain

import "time"

// TradeSide is the direction of a swap relative to SOL.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeState is the execution state of a trade intent.
// States only move forward; CONFIRMED and FAILED are terminal.
type TradeState string

const (
	TradeStateInit      TradeState = "INIT"
	TradeStateValidated TradeState = "VALIDATED"
	TradeStateQuoted    TradeState = "QUOTED"
	TradeStateSimulated TradeState = "SIMULATED"
	TradeStateSent      TradeState = "SENT"
	TradeStateConfirmed TradeState = "CONFIRMED"
	TradeStateFailed    TradeState = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s TradeState) IsTerminal() bool {
	return s == TradeStateConfirmed || s == TradeStateFailed
}

// Valid reports whether s is a known state.
func (s TradeState) Valid() bool {
	switch s {
	case TradeStateInit, TradeStateValidated, TradeStateQuoted, TradeStateSimulated,
		TradeStateSent, TradeStateConfirmed, TradeStateFailed:
		return true
	}
	return false
}

// Trade sources identify which entry point created an intent.
const (
	TradeSourceManual = "manual"
	TradeSourceDCA    = "dca"
	TradeSourceLimit  = "limit"
)

// TradeIntent is an immutable request to swap InputMint for OutputMint.
type TradeIntent struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Side        TradeSide `json:"side"`
	InputMint   string    `json:"input_mint"`
	OutputMint  string    `json:"output_mint"`
	Amount      uint64    `json:"amount"`       // smallest unit of InputMint
	SlippageBps int       `json:"slippage_bps"` // 100 = 1%
	Source      string    `json:"source"`
	SourceRef   string    `json:"source_ref,omitempty"` // order id for scheduled trades
	CreatedAt   time.Time `json:"created_at"`
}

// TradeRecord is the execution record of one intent.
type TradeRecord struct {
	IntentID  string
	Owner     string
	State     TradeState
	Route     string // JSON snapshot of the quote used
	Signature string
	ErrorCode string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
	// StateTimes records when each state was entered. Not archived.
	StateTimes map[TradeState]time.Time
}

// Trade error codes recorded on FAILED records.
const (
	TradeErrInvalidAsset        = "INVALID_ASSET"
	TradeErrAmountLimit         = "AMOUNT_LIMIT"
	TradeErrWalletNotFound      = "WALLET_NOT_FOUND"
	TradeErrInsufficientBalance = "INSUFFICIENT_BALANCE"
	TradeErrNoRoute             = "NO_ROUTE_FOUND"
	TradeErrQuoteFailed         = "QUOTE_FAILED"
	TradeErrBuildFailed         = "BUILD_FAILED"
	TradeErrSimulationFailed    = "SIMULATION_FAILED"
	TradeErrSigningFailed       = "SIGNING_FAILED"
	TradeErrBroadcastFailed     = "BROADCAST_FAILED"
	TradeErrConfirmationFailed  = "CONFIRMATION_FAILED"
	TradeErrCancelled           = "CANCELLED"
	TradeErrInternal            = "INTERNAL"
)
