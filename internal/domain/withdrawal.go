package domain

import "time"

// WithdrawalState is the lifecycle of a SOL withdrawal. A request waits in
// PENDING for the owner's code; CONFIRMED, FAILED and CANCELLED are terminal.
type WithdrawalState string

const (
	WithdrawalPending   WithdrawalState = "PENDING"
	WithdrawalApproved  WithdrawalState = "APPROVED"
	WithdrawalSent      WithdrawalState = "SENT"
	WithdrawalConfirmed WithdrawalState = "CONFIRMED"
	WithdrawalFailed    WithdrawalState = "FAILED"
	WithdrawalCancelled WithdrawalState = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s WithdrawalState) IsTerminal() bool {
	return s == WithdrawalConfirmed || s == WithdrawalFailed || s == WithdrawalCancelled
}

// Withdrawal moves Lamports from a custody wallet to an outside address.
// Failed withdrawals carry one of the TradeErr* codes.
type Withdrawal struct {
	ID        string
	Owner     string
	WalletID  string
	From      string
	To        string
	Lamports  uint64
	State     WithdrawalState
	Signature string
	ErrorCode string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
