package trade

import (
	"errors"

	"solana-custody/internal/domain"
)

// Execution errors. Each is recorded on the FAILED record with the matching
// domain.TradeErr* code.
var (
	ErrRouteNotFound       = domain.ErrRouteNotFound
	ErrQuoteFailed         = errors.New("quote failed")
	ErrSimulationFailed    = errors.New("simulation failed")
	ErrBroadcastFailed     = errors.New("broadcast failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidIntent       = errors.New("invalid trade intent")
	ErrAmountLimit         = errors.New("amount exceeds interactive limit")
)

// Store errors.
var (
	ErrDuplicateIntent = errors.New("trade intent already submitted")
	ErrIntentNotFound  = errors.New("trade intent not found")

	// ErrStateConflict means another execution moved the record first.
	// It ends the current execution quietly and is never shown to users.
	ErrStateConflict = errors.New("trade state conflict")
)

// stepError ties an execution failure to its record code.
type stepError struct {
	code string
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &stepError{code: code, err: err} }
