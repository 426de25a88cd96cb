package gateway

import (
	"errors"
	"fmt"
	"time"

	"solana-custody/internal/attempts"
	"solana-custody/internal/custody"
	"solana-custody/internal/domain"
	"solana-custody/internal/export"
	"solana-custody/internal/lock"
	"solana-custody/internal/orders"
	"solana-custody/internal/totp"
	"solana-custody/internal/trade"
	"solana-custody/internal/withdraw"
)

const genericFailure = "Something went wrong. Please try again later."

// fixed maps sentinel errors to replies that reveal nothing beyond the
// category of the failure.
var fixed = []struct {
	err   error
	reply string
}{
	{lock.ErrBusy, "Another action is still running. Please try again in a moment."},
	{attempts.ErrRateLimited, "Too many requests. Please slow down."},
	{export.ErrNoSession, "No export in progress. Send /export to start."},
	{export.ErrOutOfSequence, "That step is not expected now. Send /export to start over."},
	{export.ErrNoPassword, "Set an export password first by running /export."},
	{totp.ErrMalformedCode, "Enter a 6-digit code or an 8-character backup code."},
	{totp.ErrNotEnrolled, "Two-factor authentication is not set up."},
	{custody.ErrNoSelectedWallet, "No active wallet. Create one with /wallet new <name>."},
	{custody.ErrWalletNotFound, "Wallet not found."},
	{orders.ErrOrderNotFound, "Order not found."},
	{trade.ErrIntentNotFound, "Trade not found."},
	{trade.ErrInvalidIntent, "The trade request is invalid."},
	{trade.ErrRouteNotFound, tradeFailureText(domain.TradeErrNoRoute)},
	{trade.ErrQuoteFailed, tradeFailureText(domain.TradeErrQuoteFailed)},
	{trade.ErrSimulationFailed, tradeFailureText(domain.TradeErrSimulationFailed)},
	{trade.ErrBroadcastFailed, tradeFailureText(domain.TradeErrBroadcastFailed)},
	{trade.ErrInsufficientBalance, tradeFailureText(domain.TradeErrInsufficientBalance)},
	{trade.ErrAmountLimit, tradeFailureText(domain.TradeErrAmountLimit)},
	{withdraw.ErrNoPending, "No withdrawal awaiting approval. Start one with /send <sol> <address>."},
	{withdraw.ErrInsufficientBalance, "Insufficient balance for the amount plus the network fee."},
	{withdraw.ErrBroadcastFailed, tradeFailureText(domain.TradeErrBroadcastFailed)},
}

// verbatim errors carry constant, input-free text.
var verbatim = []error{
	export.ErrInvalidQuestion,
	export.ErrEmptyAnswer,
	export.ErrPasswordTooShort,
	export.ErrPasswordTooLong,
	custody.ErrInvalidName,
	orders.ErrInvalidOrder,
	withdraw.ErrInvalidAmount,
	withdraw.ErrInvalidDestination,
	withdraw.ErrSameWallet,
}

// sanitize turns err into a reply safe to show to the owner.
func sanitize(err error) string {
	var usage usageError
	if errors.As(err, &usage) {
		return string(usage)
	}

	var locked *attempts.LockedError
	if errors.As(err, &locked) {
		return fmt.Sprintf("Too many failed attempts. Try again in %s.", locked.Remaining.Round(time.Second).String())
	}
	var failed *attempts.FailedError
	if errors.As(err, &failed) {
		return fmt.Sprintf("Incorrect. %d attempts left.", failed.Remaining)
	}
	if errors.Is(err, attempts.ErrAuthorizationLocked) {
		return "Too many failed attempts. Please try again later."
	}
	if errors.Is(err, attempts.ErrAuthorizationFailed) {
		return "Incorrect. Please try again."
	}

	for _, e := range verbatim {
		if errors.Is(err, e) {
			return capitalize(e.Error()) + "."
		}
	}
	for _, f := range fixed {
		if errors.Is(err, f.err) {
			return f.reply
		}
	}
	return genericFailure
}

// tradeFailureText explains a recorded failure code.
func tradeFailureText(code string) string {
	switch code {
	case domain.TradeErrInvalidAsset:
		return "The token or amount is not valid."
	case domain.TradeErrWalletNotFound:
		return "No active wallet."
	case domain.TradeErrInsufficientBalance:
		return "Insufficient balance."
	case domain.TradeErrNoRoute:
		return "No route found for this pair. Funds were not touched."
	case domain.TradeErrQuoteFailed:
		return "Could not get a quote. Funds were not touched."
	case domain.TradeErrBuildFailed:
		return "Could not build the swap. Funds were not touched."
	case domain.TradeErrSimulationFailed:
		return "The swap failed simulation. Funds were not touched."
	case domain.TradeErrSigningFailed:
		return "Signing failed. Funds were not touched."
	case domain.TradeErrBroadcastFailed:
		return "The transaction could not be sent."
	case domain.TradeErrConfirmationFailed:
		return "The transaction was not confirmed. Check the explorer before retrying."
	case domain.TradeErrAmountLimit:
		return fmt.Sprintf("Manual buys are limited to %d SOL.", domain.MaxManualBuySOL)
	case domain.TradeErrCancelled:
		return "Cancelled."
	}
	return "Internal error."
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
